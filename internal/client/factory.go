package client

import (
	"net"
	"os"
	"time"
)

// New returns a RemoteClient when a runner answers on socketPath, and
// otherwise the LocalClient built by local.
//
// Callers don't need to know whether the runner is up: the same API works
// in both modes.
func New(socketPath string, local func() (*LocalClient, error)) (Client, error) {
	if socketPath != "" {
		if _, err := os.Stat(socketPath); err == nil {
			conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
			if err == nil {
				conn.Close()
				return NewRemoteClient(socketPath), nil
			}
		}
	}
	lc, err := local()
	if err != nil {
		return nil, err
	}
	return lc, nil
}
