package engine

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Handshake is the request metadata captured when a connection is upgraded.
// It is never modified after creation.
type Handshake struct {
	Time       time.Time
	URL        string
	Header     http.Header
	Query      url.Values
	RemoteAddr string
	Secure     bool
}

// NewHandshake captures handshake metadata from an upgrade request
func NewHandshake(r *http.Request) Handshake {
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")

	return Handshake{
		Time:       time.Now(),
		URL:        r.URL.String(),
		Header:     r.Header.Clone(),
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
		Secure:     secure,
	}
}

// Clone returns a copy whose Header and Query can be modified freely
func (h Handshake) Clone() Handshake {
	h.Header = h.Header.Clone()
	if h.Query != nil {
		q := make(url.Values, len(h.Query))
		for k, v := range h.Query {
			q[k] = append([]string(nil), v...)
		}
		h.Query = q
	}
	return h
}
