package supervisor

import (
	"net"
	"os"
	"strconv"
	"syscall"
)

// terminateSignal is the graceful-shutdown signal sent to a managed
// process before the ShutdownGrace force-kill escalation.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}

// portFree reports whether a TCP listener can currently bind to port on
// all interfaces, used to verify a killed process actually released its
// socket before the supervisor respawns onto it.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
