package threads

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrThreadNotFound = errors.New("threads: thread not found")
	ErrAccessDenied   = errors.New("threads: access denied")
)

// Message is one entry in a stored conversation.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the conversation store the gateway appends completions to.
// Implemented by memory (dev) and Redis (prod).
type Store interface {
	CreateThread(ctx context.Context, ownerID string) (string, error)
	// VerifyOwnership returns ErrThreadNotFound or ErrAccessDenied.
	VerifyOwnership(ctx context.Context, threadRef, ownerID string) error
	Append(ctx context.Context, threadRef string, msg Message) (string, error)
	Messages(ctx context.Context, threadRef string) ([]Message, error)
}

// Key is the structured storage key of a thread.
type Key struct {
	ThreadRef string
	Part      string // owner | messages
}

// String renders thread:<REF>:<PART>.
func (k Key) String() string {
	return fmt.Sprintf("thread:%s:%s", k.ThreadRef, k.Part)
}

func ownerKey(ref string) Key    { return Key{ThreadRef: ref, Part: "owner"} }
func messagesKey(ref string) Key { return Key{ThreadRef: ref, Part: "messages"} }

func checkOwner(owner, ownerID string) error {
	if owner != ownerID {
		return ErrAccessDenied
	}
	return nil
}
