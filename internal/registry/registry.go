// Package registry describes stream hosts announced to relay producers.
package registry

import (
	"encoding/json"
	"errors"
	"path"
	"strings"
)

const DefaultPrefix = "/discovery/pushkit/"

var EmptyAddrErr = errors.New("Service relay address is required.")

// Service is one stream host. Addr is the absolute URL of its relay endpoint.
type Service struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Addr     string            `json:"addr"`
	Metadata map[string]string `json:"metadata"`
}

// Key is the storage key of the service under prefix.
func Key(prefix string, s *Service) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return prefix + path.Base("/"+s.Name)
}

func Marshal(s *Service) ([]byte, error) {
	if s.Addr == "" {
		return nil, EmptyAddrErr
	}

	return json.Marshal(s)
}

func Unmarshal(buf []byte) (*Service, error) {
	var s Service
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, err
	}
	if s.Addr == "" {
		return nil, EmptyAddrErr
	}

	return &s, nil
}
