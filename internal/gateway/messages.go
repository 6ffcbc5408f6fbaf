package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope frames every message on the tracking socket, both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client→server message types.
const (
	MsgUpdateLocation = "updateLocation"
	MsgSubscribe      = "subscribeToUser"
	MsgUnsubscribe    = "unsubscribeFromUser"
)

// Server→client message types.
const (
	MsgLocationUpdate = "locationUpdate"
	MsgUserStatus     = "userStatus"
	MsgError          = "error"
)

// Error codes carried in error acks.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeValidation      = "validation"
	CodeStorage         = "storage"
)

// SubscribePayload is the body of subscribeToUser and unsubscribeFromUser.
type SubscribePayload struct {
	UserID string `json:"userId"`
}

// ErrorEvent acknowledges a dropped message back to its sender.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalEvent(msgType string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}
