// Package identity adapts the external identity provider. The engine only
// consumes a stable collaborator identifier; authentication and session
// management happen upstream.
package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header carries the collaborator identifier resolved by the identity
// provider in front of this service.
const Header = "X-Collaborator-Id"

type ctxKey struct{}

// WithCollaborator stores the collaborator id on the context.
func WithCollaborator(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the collaborator id attached to the request, if any.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok
}

// Middleware resolves the collaborator header into the request context. The
// value is treated as opaque and pre-validated beyond being a well-formed
// UUID; requests without one proceed unattributed and handlers that require
// attribution reject them.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get(Header); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				r = r.WithContext(WithCollaborator(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}
