package server

import (
	"net/http"
	"time"
)

// cookieStore adapts an HTTP request/response pair to the visitor token
// store. Reads come from the request cookie, writes become a Set-Cookie
// header on the response.
type cookieStore struct {
	w      http.ResponseWriter
	r      *http.Request
	name   string
	maxAge time.Duration
	secure bool
}

func (c *cookieStore) Get() (string, bool) {
	cookie, err := c.r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (c *cookieStore) Set(token string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
