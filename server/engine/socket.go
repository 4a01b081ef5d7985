// nonblocking TCP socket upon raw descriptors
package engine

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// per-call transfer cap for Receive and Send
	receiveChunkSize = 64 << 10
	sendChunkSize    = 64 << 10

	// maximum total bytes a single payload may grow to
	maxPayloadSize = 16 << 20

	localHost = "127.0.0.1"
)

// Socket wraps a raw TCP descriptor. A socket is either listening or
// connected, never both. Receive and Send require nonblocking mode.
type Socket struct {
	host      string
	service   string
	fd        int
	listening bool
	connected bool
}

func NewSocket() *Socket {
	return &Socket{fd: -1}
}

func (s *Socket) Host() string {
	return s.host
}

func (s *Socket) Service() string {
	return s.service
}

func (s *Socket) Descriptor() int {
	return s.fd
}

func (s *Socket) IsListening() bool {
	return s.listening
}

func (s *Socket) IsConnected() bool {
	return s.connected
}

func (s *Socket) Close() {
	if s.fd != -1 {
		unix.Close(s.fd)
	}
	s.fd = -1
	s.listening = false
	s.connected = false
	s.host = ""
	s.service = ""
}

func resolve(service, host string) (*unix.SockaddrInet4, error) {
	if host == "" {
		host = localHost
	}
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, service))
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	return sa, nil
}

// Listen resolves host and service, binds with address reuse enabled and
// starts listening with the maximum backlog the system allows. An
// unspecified host binds the loopback address by convention.
func (s *Socket) Listen(service, host string) error {
	s.Close()
	sa, err := resolve(service, host)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return err
	}
	if host == "" {
		host = localHost
	}
	s.fd = fd
	s.host = host
	s.service = service
	s.listening = true
	return nil
}

// Connect closes any prior state, resolves the peer and attempts each
// candidate address until one succeeds.
func (s *Socket) Connect(service, host string) error {
	s.Close()
	if host == "" {
		host = localHost
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			continue
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			continue
		}
		s.fd = fd
		s.host = host
		s.service = service
		s.connected = true
		return nil
	}
	return unix.ECONNREFUSED
}

// Accept is valid on a listening, good socket only. The accepted socket
// starts in blocking mode; callers mark it nonblocking explicitly.
func (s *Socket) Accept() (*Socket, error) {
	if !s.IsListening() {
		return nil, unix.EINVAL
	}
	if !s.IsGood() {
		return nil, unix.EBADFD
	}
	fd, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, err
	}
	client := &Socket{fd: fd, connected: true}
	if peer, ok := sa.(*unix.SockaddrInet4); ok {
		client.host = net.IP(peer.Addr[:]).String()
		client.service = itoa(peer.Port)
	}
	return client, nil
}

func (s *Socket) IsBlocking() bool {
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	return flags&unix.O_NONBLOCK == 0
}

func (s *Socket) Unblock() error {
	return unblockDescriptor(s.fd)
}

func (s *Socket) Block() error {
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(s.fd), unix.F_SETFL, flags&^unix.O_NONBLOCK)
	return err
}

// IsGood probes the socket level error state.
func (s *Socket) IsGood() bool {
	value, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || value != 0 {
		return false
	}
	return true
}

// WaitReceive polls the socket for readability up to timeout milliseconds.
func (s *Socket) WaitReceive(timeout int) bool {
	return s.wait(unix.POLLIN, timeout)
}

// WaitSend polls the socket for writability up to timeout milliseconds.
func (s *Socket) WaitSend(timeout int) bool {
	return s.wait(unix.POLLOUT, timeout)
}

func (s *Socket) wait(events int16, timeout int) bool {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events | unix.POLLHUP | unix.POLLERR}}
	ready, err := unix.Poll(fds, timeout)
	if err != nil {
		return false
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return false
	}
	return ready > 0 && fds[0].Revents&events != 0
}

// Receive appends received bytes to payload. A timeout of zero means a
// single nonblocking attempt; positive timeouts retry with short sleeps
// until data arrives or the deadline (milliseconds) passes.
func (s *Socket) Receive(payload *[]byte, timeout int64) IoStatus {
	if s.IsBlocking() {
		return SocketFlags
	}
	if !s.IsConnected() {
		return NotConnected
	}
	if !s.IsGood() {
		return Bad
	}
	chunk := make([]byte, receiveChunkSize)
	start := epochMillis()
	for {
		length := receiveChunkSize
		if room := maxPayloadSize - len(*payload); room < length {
			length = room
		}
		n, err := unix.Read(s.fd, chunk[:length])
		switch {
		case err == unix.EAGAIN:
			if timeout == 0 {
				return Blocked
			}
			if epochMillis()-start >= timeout {
				return Timeout
			}
			time.Sleep(time.Millisecond)
		case err == unix.EINTR:
			if timeout == 0 {
				return Interrupted
			}
			if epochMillis()-start >= timeout {
				return Timeout
			}
		case err != nil:
			return Error
		case n == 0:
			return Disconnect
		default:
			*payload = append(*payload, chunk[:n]...)
			if len(*payload) >= maxPayloadSize {
				return Overflow
			}
			return Success
		}
	}
}

// Send consumes sent bytes from the front of payload. A timeout of zero
// means a single nonblocking attempt; a partial transfer still counts
// as Success so the caller can continue draining on the next readiness
// event.
func (s *Socket) Send(payload *[]byte, timeout int64) IoStatus {
	if s.IsBlocking() {
		return SocketFlags
	}
	if !s.IsConnected() {
		return NotConnected
	}
	if !s.IsGood() {
		return Bad
	}
	if len(*payload) > maxPayloadSize {
		return Overflow
	}
	start := epochMillis()
	for {
		length := sendChunkSize
		if len(*payload) < length {
			length = len(*payload)
		}
		n, err := unix.Write(s.fd, (*payload)[:length])
		switch {
		case err == unix.EAGAIN:
			if timeout == 0 {
				return Blocked
			}
			if epochMillis()-start >= timeout {
				return Timeout
			}
			time.Sleep(time.Millisecond)
		case err == unix.EINTR:
			if timeout == 0 {
				return Interrupted
			}
			if epochMillis()-start >= timeout {
				return Timeout
			}
		case err != nil:
			return Error
		case n == 0:
			return Error
		default:
			*payload = (*payload)[n:]
			if len(*payload) == 0 {
				return Success
			}
			if timeout == 0 {
				return Success
			}
			if epochMillis()-start >= timeout {
				return Timeout
			}
		}
	}
}

func unblockDescriptor(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}

func epochMillis() int64 {
	return time.Now().UnixMilli()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return string(tmp[i:])
}
