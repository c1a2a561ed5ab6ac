package supervisor

import (
	"fmt"
	"net"
	"time"
)

// probeTCP reports whether something is listening on loopback:port,
// per spec.md §4.4's readiness condition (a).
func probeTCP(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 300*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
