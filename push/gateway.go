// Package push sends batched notifications to a mobile push gateway.
package push

import "context"

// Ticket statuses and the error code meaning the token is gone for good.
const (
	StatusOK    = "ok"
	StatusError = "error"

	ErrorDeviceNotRegistered = "DeviceNotRegistered"
)

// Message is one push to one device token.
type Message struct {
	To    string                 `json:"to"`
	Title string                 `json:"title,omitempty"`
	Body  string                 `json:"body,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Sound string                 `json:"sound,omitempty"`
}

// Ticket is the per-message answer, in request order.
type Ticket struct {
	Status    string
	Id        string
	Message   string
	ErrorCode string
}

// OK reports whether the gateway accepted the message.
func (t Ticket) OK() bool { return t.Status == StatusOK }

// InvalidToken reports whether the destination token should be pruned.
func (t Ticket) InvalidToken() bool {
	return t.Status == StatusError && t.ErrorCode == ErrorDeviceNotRegistered
}

// Gateway delivers messages in batches of at most MaxBatch.
type Gateway interface {
	Send(ctx context.Context, msgs []Message) ([]Ticket, error)
	MaxBatch() int
}
