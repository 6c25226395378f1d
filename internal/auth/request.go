package auth

import (
	"net/http"
	"strings"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// AccessTokenFromRequest extracts the raw access credential: the cookie set by
// the login flow first, then a bearer header, then the token query parameter
// used by non-browser socket clients.
func AccessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	return r.URL.Query().Get("token")
}

// SetCookies writes both credentials as httpOnly cookies.
func SetCookies(w http.ResponseWriter, t *Tokens, access, refresh string, secure bool) {
	http.SetCookie(w, cookie(AccessCookie, access, int(t.AccessTTL().Seconds()), secure))
	http.SetCookie(w, cookie(RefreshCookie, refresh, int(t.RefreshTTL().Seconds()), secure))
}

func ClearCookies(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, cookie(AccessCookie, "", -1, secure))
	http.SetCookie(w, cookie(RefreshCookie, "", -1, secure))
}

func cookie(name, value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
