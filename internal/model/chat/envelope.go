package chat

import "time"

// Envelope is a decoded inbound message waiting in the inbound queue.
type Envelope struct {
	Seq        uint64    `json:"seq"`
	Topic      string    `json:"topic"`
	Turn       Turn      `json:"turn"`
	ReceivedAt time.Time `json:"receivedAt"`
}
