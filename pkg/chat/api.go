//go:generate go run go.uber.org/mock/mockgen -source=api.go -destination=../mocks/mock_api.go -package=mocks

package chat

import (
	"context"
	"errors"
)

var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrUnauthorized       = errors.New("unauthorized")
)

// API is the managed backend as seen by the client: one query, one mutation
// and one subscription.
type API interface {
	ListMessages(ctx context.Context) ([]ChatMessage, error)
	CreateMessage(ctx context.Context, input CreateChatMessageInput) (*ChatMessage, error)
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription delivers one ChatMessage per creation on the backend. Events is
// closed when the subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan ChatMessage
	Err() error
	Close() error
}
