package guard

import (
	"net/http"

	"github.com/answerly/sessiongate-go/sessionstore"
)

// Middleware wraps protected handlers with the access decision. A
// Pending state blocks the request until the store's restore resolves
// rather than redirecting, so authenticated users are never bounced to
// sign-in during a cold start. If the request context expires first the
// client gets 503 with Retry-After.
//
// Redirects go to signInRoute with 303 so the retried request after
// signing in is a GET.
func Middleware(store *sessionstore.Store, signInRoute string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Evaluate(store.Snapshot()) == Pending {
				select {
				case <-store.Ready():
				case <-r.Context().Done():
					w.Header().Set("Retry-After", "1")
					http.Error(w, "session restore in progress", http.StatusServiceUnavailable)
					return
				}
			}

			switch Evaluate(store.Snapshot()) {
			case Allow:
				next.ServeHTTP(w, r)
			default:
				http.Redirect(w, r, signInRoute, http.StatusSeeOther)
			}
		})
	}
}
