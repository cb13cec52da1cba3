package broker

import (
	"strings"
	"time"
)

// DefaultChunkSize bounds one FetchODS message.
const DefaultChunkSize = 32 * 1024

// Config controls the broker server.
type Config struct {
	// Address is a unix socket path ("/run/x.sock" or "unix:/run/x.sock") or a TCP host:port.
	Address     string
	TLSCertFile string
	TLSKeyFile  string
	ChunkSize   int
	// ShutdownTimeout bounds the graceful stop before connections are cut.
	ShutdownTimeout time.Duration
}

// splitAddress resolves an address into a listener network and address.
func splitAddress(address string) (string, string) {
	address = strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(address, "unix://"):
		return "unix", strings.TrimPrefix(address, "unix://")
	case strings.HasPrefix(address, "unix:"):
		return "unix", strings.TrimPrefix(address, "unix:")
	case strings.HasPrefix(address, "/"), strings.HasPrefix(address, "./"):
		return "unix", address
	default:
		return "tcp", address
	}
}
