package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role tags who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrUnknownRole = errors.New("unknown role")

// ParseRole normalizes a wire role value.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleSystem, RoleUser, RoleAssistant:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Turn is one role-tagged utterance. Turns compare structurally with ==.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// DecodeError reports an inbound payload that is not a valid turn.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode turn: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeTurn renders the wire form {"role": ..., "content": ...}.
func EncodeTurn(turn Turn) ([]byte, error) {
	return json.Marshal(turn)
}

// DecodeTurn parses a wire payload. Only user and assistant turns are
// accepted from the channel.
func DecodeTurn(payload []byte) (Turn, error) {
	var wire struct {
		Role    *string `json:"role"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Turn{}, &DecodeError{Payload: payload, Err: err}
	}
	if wire.Role == nil {
		return Turn{}, &DecodeError{Payload: payload, Err: errors.New("missing role")}
	}
	if wire.Content == nil {
		return Turn{}, &DecodeError{Payload: payload, Err: errors.New("missing content")}
	}

	role, err := ParseRole(*wire.Role)
	if err != nil {
		return Turn{}, &DecodeError{Payload: payload, Err: err}
	}
	if role == RoleSystem {
		return Turn{}, &DecodeError{Payload: payload, Err: fmt.Errorf("%w: system turns are not accepted from the channel", ErrUnknownRole)}
	}

	return Turn{Role: role, Content: *wire.Content}, nil
}
