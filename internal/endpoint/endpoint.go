package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// maxProbes bounds the sequential port scan.
const maxProbes = 100

// ErrPortExhausted is returned when no free port exists within the probe window.
var ErrPortExhausted = errors.New("port allocation exhausted")

// ServerEndpoint identifies where the companion server listens. It is
// immutable once chosen for a launch attempt; a relaunch may pick a new port.
type ServerEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the endpoint in host:port form.
func (e ServerEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL returns the HTTP base URL of the endpoint.
func (e ServerEndpoint) BaseURL() string { return "http://" + e.Addr() }

// HealthURL returns the companion's health probe URL.
func (e ServerEndpoint) HealthURL() string { return e.BaseURL() + "/health" }

// WebSocketURL returns the companion's websocket URL.
func (e ServerEndpoint) WebSocketURL() string { return "ws://" + e.Addr() + "/ws" }

// FindAvailablePort probes ports sequentially from start by binding and
// immediately releasing a throwaway listener. It returns the first port that
// accepts a bind, or ErrPortExhausted after maxProbes consecutive failures.
// Pure probe of current OS socket availability; no state is kept.
func FindAvailablePort(host string, start int) (int, error) {
	for i := 0; i < maxProbes; i++ {
		port := start + i
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in [%d,%d]", ErrPortExhausted, start, start+maxProbes-1)
}
