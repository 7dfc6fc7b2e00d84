package session

import (
	"context"
	"errors"
)

// DefaultID is the session used when a client does not name one.
const DefaultID = "default"

// Roles a Turn may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrSessionGone is returned by Append when the session was dropped by
// eviction or expiry and the turns would restart it with a reply.
var ErrSessionGone = errors.New("session no longer exists")

// Store holds conversations keyed by session ID.
//
// GetOrCreate never fails for a missing session: it returns an empty,
// newly created conversation. The returned slice is a copy.
// Append adds turns to the end of the conversation in the order given.
// Stores that drop sessions on their own refuse, with ErrSessionGone, to
// recreate a missing session unless the first turn is a user turn.
type Store interface {
	GetOrCreate(ctx context.Context, id string) ([]Turn, error)
	Append(ctx context.Context, id string, turns ...Turn) error
	Delete(ctx context.Context, id string) error
	Len() int
	Close() error
}

// window keeps at most the last maxTurns turns, starting on a user turn so a
// reply is never kept without its prompt. maxTurns <= 0 keeps everything.
func window(turns []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 || len(turns) <= maxTurns {
		return turns
	}
	return fromUserTurn(turns[len(turns)-maxTurns:])
}

// fromUserTurn drops leading turns until the first user turn.
func fromUserTurn(turns []Turn) []Turn {
	start := 0
	for start < len(turns) && turns[start].Role != RoleUser {
		start++
	}
	return turns[start:]
}

// restarts reports whether turns may begin a conversation that is no
// longer in the store.
func restarts(turns []Turn) bool {
	return len(turns) > 0 && turns[0].Role == RoleUser
}

func clone(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
