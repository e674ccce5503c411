// Package channels connects external chat platforms to the turn handler.
package channels

import (
	"context"

	"github.com/go-chi/chi/v5"
)

type Channel interface {
	Name() string
	RegisterRoutes(r chi.Router)
}

// Replier runs one turn and returns the final reply.
type Replier interface {
	Reply(ctx context.Context, userID, message string) (string, error)
}
