// Package presence keeps the in-process bookkeeping of who is connected and
// which observers watch which users. It never touches durable storage; a
// process restart means every user is absent until they reconnect.
package presence

import "sync"

// Sink is the send side of one live connection. Enqueue must not block:
// it reports false when the connection's buffer is full and the event is
// dropped for that observer.
type Sink interface {
	ID() string
	UserID() string
	Enqueue(msg []byte) bool
}

// Registry answers "who is connected" and "who watches whom". Mutations are
// serialized internally; no operation performs I/O. The gateway depends on
// this interface so a multi-instance deployment can swap the in-memory
// implementation for a shared pub/sub backend without touching gateway logic.
type Registry interface {
	// Register adds a connection for userID and reports whether it is the
	// user's first open connection.
	Register(userID string, c Sink) (first bool)
	// Deregister removes a connection and every topic membership it held.
	// It reports the owning user, whether this was the user's last open
	// connection, and the users the connection was watching. Removing an
	// unknown connection is a no-op with last=false.
	Deregister(c Sink) (userID string, last bool, watched []string)
	IsPresent(userID string) bool
	Connections(userID string) int
	// Subscribe makes observer receive events for targetUserID.
	Subscribe(observer Sink, targetUserID string)
	Unsubscribe(observer Sink, targetUserID string)
	ObserversOf(targetUserID string) []Sink
}

// MemoryRegistry is the single-process Registry: RWMutex-guarded forward and
// reverse indexes, O(1) mutation, O(subscribers) fan-out lookup.
type MemoryRegistry struct {
	mu sync.RWMutex

	conns  map[string]map[string]Sink // userID → connID → conn
	owners map[string]string          // connID → userID

	watchers map[string]map[string]Sink // target userID → connID → observer
	watching map[string]map[string]bool // connID → set of target userIDs
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:    make(map[string]map[string]Sink),
		owners:   make(map[string]string),
		watchers: make(map[string]map[string]Sink),
		watching: make(map[string]map[string]bool),
	}
}

func (r *MemoryRegistry) Register(userID string, c Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] == nil {
		r.conns[userID] = make(map[string]Sink)
	}
	first := len(r.conns[userID]) == 0
	r.conns[userID][c.ID()] = c
	r.owners[c.ID()] = userID
	return first
}

func (r *MemoryRegistry) Deregister(c Sink) (string, bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := c.ID()
	userID, known := r.owners[connID]
	if !known {
		return "", false, nil
	}
	delete(r.owners, connID)

	last := false
	if conns, ok := r.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.conns, userID)
			last = true
		}
	}

	var watched []string
	for target := range r.watching[connID] {
		watched = append(watched, target)
		if obs, ok := r.watchers[target]; ok {
			delete(obs, connID)
			if len(obs) == 0 {
				delete(r.watchers, target)
			}
		}
	}
	delete(r.watching, connID)

	return userID, last, watched
}

func (r *MemoryRegistry) IsPresent(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

func (r *MemoryRegistry) Connections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

func (r *MemoryRegistry) Subscribe(observer Sink, targetUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchers[targetUserID] == nil {
		r.watchers[targetUserID] = make(map[string]Sink)
	}
	r.watchers[targetUserID][observer.ID()] = observer
	if r.watching[observer.ID()] == nil {
		r.watching[observer.ID()] = make(map[string]bool)
	}
	r.watching[observer.ID()][targetUserID] = true
}

func (r *MemoryRegistry) Unsubscribe(observer Sink, targetUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obs, ok := r.watchers[targetUserID]; ok {
		delete(obs, observer.ID())
		if len(obs) == 0 {
			delete(r.watchers, targetUserID)
		}
	}
	if targets, ok := r.watching[observer.ID()]; ok {
		delete(targets, targetUserID)
		if len(targets) == 0 {
			delete(r.watching, observer.ID())
		}
	}
}

func (r *MemoryRegistry) ObserversOf(targetUserID string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obs := r.watchers[targetUserID]
	if len(obs) == 0 {
		return nil
	}
	result := make([]Sink, 0, len(obs))
	for _, o := range obs {
		result = append(result, o)
	}
	return result
}
