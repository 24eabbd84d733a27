package security

import (
	"net/http"
	"strings"
)

// Names the credential may travel under during the websocket handshake.
const (
	QueryToken  = "token"
	CookieToken = "token"
	HeaderAuth  = "Authorization"
)

// ExtractToken returns the bearer credential of a handshake request, looking
// at the Authorization header, then the `token` query parameter, then the
// `token` cookie. The "Bearer " prefix is kept; the verifier strips it.
func ExtractToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get(HeaderAuth)); authz != "" {
		return authz
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(QueryToken)); tok != "" {
		return tok
	}
	if ck, err := r.Cookie(CookieToken); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}
