package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first inherited file descriptor under the
// systemd socket-activation protocol (sd_listen_fds(3)): stdin, stdout
// and stderr occupy 0-2.
const listenFDsStart = 3

// Listeners builds one net.Listener per address in addrs. If addrs is
// empty, it instead adopts any file descriptors systemd passed via
// LISTEN_FDS/LISTEN_PID socket activation.
func Listeners(addrs []string) ([]net.Listener, error) {
	if len(addrs) > 0 {
		listeners := make([]net.Listener, 0, len(addrs))
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				for _, opened := range listeners {
					opened.Close()
				}
				return nil, fmt.Errorf("listening on %s: %w", addr, err)
			}
			listeners = append(listeners, l)
		}
		return listeners, nil
	}

	activated, err := activatedListeners()
	if err != nil {
		return nil, err
	}
	if len(activated) == 0 {
		return nil, fmt.Errorf("no -listen address given and no socket-activated file descriptors found")
	}
	return activated, nil
}

// activatedListeners adopts file descriptors passed by systemd socket
// activation, if LISTEN_PID matches this process.
func activatedListeners() ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	countStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || countStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := uintptr(listenFDsStart + i)
		f := os.NewFile(fd, fmt.Sprintf("listen-fd-%d", fd))
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, fmt.Errorf("adopting socket-activated fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
