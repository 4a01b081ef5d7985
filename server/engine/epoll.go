// low level epoll wrapper, the single readiness source for the server loop
package engine

import (
	"golang.org/x/sys/unix"
)

const (
	// maximum events reported by a single Wait batch
	maxEvents = 256
)

// Epoll owns one epoll instance plus the event array of the last Wait.
// Error and hangup conditions are always part of the interest set.
type Epoll struct {
	instance int
	events   [maxEvents]unix.EpollEvent
}

func NewEpoll() *Epoll {
	return &Epoll{instance: -1}
}

func (e *Epoll) Create() error {
	instance, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	e.instance = instance
	return nil
}

func (e *Epoll) Release() {
	if e.instance != -1 {
		unix.Close(e.instance)
		e.instance = -1
	}
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout (milliseconds, -1 means forever) elapses. Returns the number
// of ready events; iterate indices 0..n-1 with the accessors below.
func (e *Epoll) Wait(timeout int) (int, error) {
	for {
		n, err := unix.EpollWait(e.instance, e.events[:], timeout)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (e *Epoll) AddDescriptor(fd int, flags uint32) error {
	event := unix.EpollEvent{
		Events: flags | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.instance, unix.EPOLL_CTL_ADD, fd, &event)
}

func (e *Epoll) AddReadable(fd int) error {
	return e.AddDescriptor(fd, unix.EPOLLIN)
}

func (e *Epoll) AddWritable(fd int) error {
	return e.AddDescriptor(fd, unix.EPOLLOUT)
}

func (e *Epoll) ModifyDescriptor(fd int, flags uint32) error {
	event := unix.EpollEvent{
		Events: flags | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.instance, unix.EPOLL_CTL_MOD, fd, &event)
}

func (e *Epoll) DeleteDescriptor(fd int) error {
	return unix.EpollCtl(e.instance, unix.EPOLL_CTL_DEL, fd, nil)
}

// Descriptor returns the descriptor of the i-th event of the last Wait,
// or -1 when the index is out of range.
func (e *Epoll) Descriptor(i int) int {
	if i < 0 || i >= maxEvents {
		return -1
	}
	return int(e.events[i].Fd)
}

func (e *Epoll) EventFlags(i int) uint32 {
	if i < 0 || i >= maxEvents {
		return 0
	}
	return e.events[i].Events
}

func (e *Epoll) IsReadable(i int) bool {
	return e.EventFlags(i)&unix.EPOLLIN != 0
}

func (e *Epoll) IsWritable(i int) bool {
	return e.EventFlags(i)&unix.EPOLLOUT != 0
}

func (e *Epoll) HasErrors(i int) bool {
	return e.EventFlags(i)&(unix.EPOLLERR|unix.EPOLLHUP) != 0
}

// SetReadable flips the interest set of the i-th event's descriptor to
// read readiness only.
func (e *Epoll) SetReadable(i int) error {
	return e.ModifyDescriptor(e.Descriptor(i), unix.EPOLLIN)
}

// SetWritable flips the interest set of the i-th event's descriptor to
// write readiness only.
func (e *Epoll) SetWritable(i int) error {
	return e.ModifyDescriptor(e.Descriptor(i), unix.EPOLLOUT)
}
