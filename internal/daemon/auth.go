package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"vectorflow/internal/logging"
)

// requireToken wraps next with bearer authentication. An empty token leaves
// the API open.
func (s *apiServer) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	want := []byte(token)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.log().Debug("api request rejected",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Bool("token_present", ok),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="vectorflow"`)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the credentials of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, credentials, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	credentials = strings.TrimSpace(credentials)
	return credentials, credentials != ""
}
