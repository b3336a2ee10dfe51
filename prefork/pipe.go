package prefork

import (
	"bufio"
	"io"

	"golang.org/x/sys/unix"
)

// availableMarker is the nul-free payload a drone writes to its status pipe
// to report that it is ready for another stanza. Its content is never
// inspected, only its arrival.
var availableMarker = []byte("available")

// writeRecord frames one dispatched stanza on the data pipe as its raw bytes
// followed by a single nul byte, the record separator both ends agree on.
func writeRecord(w io.Writer, body []byte) error {
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

// readRecord reads one nul-terminated record from the data pipe.
func readRecord(r *bufio.Reader) ([]byte, error) {
	data, err := r.ReadBytes(0)
	if err != nil {
		return nil, err
	}
	return data[:len(data)-1], nil
}

// pollStatusPipes polls children's status pipes for readability, following
// unix.Poll's own timeout convention: 0 returns immediately, a negative
// value blocks until at least one is ready. It retries transparently across
// EINTR, matching the parent's otherwise-uninterrupted main loop.
func pollStatusPipes(children []*child, timeoutMs int) ([]*child, error) {
	if len(children) == 0 {
		return nil, nil
	}

	pfds := make([]unix.PollFd, len(children))
	for i, c := range children {
		pfds[i] = unix.PollFd{Fd: int32(c.statusR.Fd()), Events: unix.POLLIN}
	}

	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	ready := make([]*child, 0, len(children))
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, children[i])
		}
	}
	return ready, nil
}
