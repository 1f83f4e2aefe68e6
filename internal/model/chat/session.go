package chat

import "time"

// Session captures the logical identity of this instance's broker connection.
// Reconnects keep the same ClientID and Topic.
type Session struct {
	ClientID    string    `json:"clientId"`
	Topic       string    `json:"topic"`
	Broker      string    `json:"broker"`
	Live        bool      `json:"live"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
}
