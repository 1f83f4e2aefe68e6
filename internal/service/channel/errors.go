package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("broker connection is down")
	ErrClosed       = errors.New("channel client closed")
)

// ConnectError reports that the broker could not be reached, at startup or
// during a reconnect attempt.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish. It never affects local transcript state.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
