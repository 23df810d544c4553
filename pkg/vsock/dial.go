package vsock

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// Dial connects to a guest agent's VSOCK listener, falling back to a
// plain Unix socket at unixFallback if the vsock transport itself is
// unavailable (e.g. running outside a VM host, or against a driver
// that only exposes a Unix socket for local testing).
func Dial(cid, port uint32, unixFallback string) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, &vsock.Config{})
	if err == nil {
		return conn, nil
	}
	if unixFallback == "" {
		return nil, fmt.Errorf("dialing vsock cid=%d port=%d: %w", cid, port, err)
	}

	unixConn, unixErr := net.DialTimeout("unix", unixFallback, 30*time.Second)
	if unixErr != nil {
		return nil, fmt.Errorf("vsock dial failed (%v) and unix fallback %s failed: %w", err, unixFallback, unixErr)
	}
	return unixConn, nil
}

// DialPipe returns an in-process pair of connected pipe ends, used by
// the simulated sandbox driver to dispatch tasks without a real
// VSOCK transport: one end is handed to the Channel, the other to an
// in-process peer that echoes frames the way a guest agent would.
func DialPipe() (local, remote net.Conn) {
	return net.Pipe()
}
