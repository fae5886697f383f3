// Package identity attaches a user id to an incoming stream request. The
// session store itself lives outside this module, resolvers only read what
// the request already carries.
package identity

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	ModeAnonymous = "anonymous"
	ModeHeader    = "header"
	ModeJwt       = "jwt"
)

// Resolver returns the user id of a request, or "" for an anonymous one.
// An error means identity could not be established at all.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) Resolve(r *http.Request) (string, error) {
	return f(r)
}

type Anonymous struct{}

func (Anonymous) Resolve(*http.Request) (string, error) {
	return "", nil
}

// Header trusts a user id header set by an authenticating proxy.
type Header struct {
	Name string
}

func (h Header) Resolve(r *http.Request) (string, error) {
	return strings.TrimSpace(r.Header.Get(h.Name)), nil
}

type Config struct {
	Mode         string
	Header       string
	JwtSecret    string
	JwtAlgorithm string
}

func New(c Config) (Resolver, error) {
	switch strings.ToLower(c.Mode) {
	case "", ModeAnonymous:
		return Anonymous{}, nil
	case ModeHeader:
		name := c.Header
		if name == "" {
			name = "X-User-Id"
		}
		return Header{Name: name}, nil
	case ModeJwt:
		return NewJwt([]byte(c.JwtSecret), c.JwtAlgorithm)
	}

	return nil, fmt.Errorf("unknown identity mode %q", c.Mode)
}
