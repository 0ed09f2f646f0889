// Package activation picks up sockets passed in by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd hands over (after stdin, stdout and stderr)
const firstFD = 3

// Socket is an inherited listener with the name given by FileDescriptorName=
type Socket struct {
	Name string
	net.Listener
}

// Sockets returns the listeners systemd activated for this process, or nil
// when the process was not socket activated. The activation variables are
// cleared so child processes such as git do not inherit them.
func Sockets() ([]Socket, error) {
	count, err := activatedCount()
	if err != nil || count == 0 {
		return nil, err
	}
	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")

	sockets := make([]Socket, 0, count)
	for i := 0; i < count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// the listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		name := ""
		if i < len(names) {
			name = names[i]
		}
		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return sockets, nil
}

// Pick returns the socket called name, or the first socket when none has
// that name. Every other socket is closed. It returns nil for no sockets.
func Pick(sockets []Socket, name string) net.Listener {
	if len(sockets) == 0 {
		return nil
	}

	chosen := 0
	for i, s := range sockets {
		if name != "" && s.Name == name {
			chosen = i
			break
		}
	}

	for i, s := range sockets {
		if i != chosen {
			_ = s.Close()
		}
	}
	return sockets[chosen].Listener
}

// activatedCount returns LISTEN_FDS when LISTEN_PID names this process
func activatedCount() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	return max(n, 0), nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Close()
	}
}
