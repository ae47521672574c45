package middleware

import (
	"context"
	"net/http"
	"strings"
)

// ActorHeader names the caller recorded in audit entries.
const ActorHeader = "X-Actor"

// AnonymousActor is used when a request carries no actor.
const AnonymousActor = "anonymous"

type actorKey struct{}

// WithActor stores the X-Actor header in the request context.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = AnonymousActor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// ActorFromContext returns the request's actor, or AnonymousActor.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok {
		return a
	}
	return AnonymousActor
}
