package httptransport

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"calculaconfia/pkg/requestcontext"
)

// ProfileCookie identifies one browser profile across reloads. It is not
// authentication; it only namespaces durable flags.
const ProfileCookie = "cc_profile"

// RequestTime pins one "now" per request so every component in a cycle reads
// the same clock.
func RequestTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID tags each request for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessToken lifts the backend's session cookie into the request context so
// the API client can forward it.
func AccessToken(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
				ctx = requestcontext.WithAccessToken(ctx, cookie.Value)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Profile assigns a stable profile ID, minting one on first visit.
func Profile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var profileID string
		if cookie, err := r.Cookie(ProfileCookie); err == nil && cookie.Value != "" {
			profileID = cookie.Value
		} else {
			profileID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ProfileCookie,
				Value:    profileID,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := requestcontext.WithProfileID(r.Context(), profileID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
