package utils

import (
	"errors"
	"net"
	"net/http"

	"github.com/KKKKjl/pushkit/logger"
)

var (
	log = logger.Component("utils")

	EmptyIPErr = errors.New("Parsing IP from Request.RemoteAddr got nothing.")
)

// Async runs fn in a goroutine and recovers any panic it raises.
func Async(fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("recover from err: %v", err)
			}
		}()

		fn()
	}()
}

func GetIPAddr(req *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		// chi's RealIP middleware stores a bare address
		ip = req.RemoteAddr
	}

	userIP := net.ParseIP(ip)
	if userIP == nil {
		return "", EmptyIPErr
	}

	return userIP.String(), nil
}
