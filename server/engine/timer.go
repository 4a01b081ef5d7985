package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Timer is a monotonic periodic timer exposed as a readable descriptor.
type Timer struct {
	fd int
}

func OpenTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Timer{fd: fd}, nil
}

func (t *Timer) Descriptor() int {
	return t.fd
}

func (t *Timer) Unblock() error {
	return unblockDescriptor(t.fd)
}

// Schedule arms the timer to fire every duration milliseconds, first
// firing one full interval from now.
func (t *Timer) Schedule(duration int64) error {
	spec := unix.ItimerSpec{
		Interval: unix.Timespec{Sec: duration / 1000, Nsec: duration % 1000 * 1e6},
		Value:    unix.Timespec{Sec: duration / 1000, Nsec: duration % 1000 * 1e6},
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Clear disarms the timer.
func (t *Timer) Clear() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *Timer) IsScheduled() bool {
	var spec unix.ItimerSpec
	if err := unix.TimerfdGettime(t.fd, &spec); err != nil {
		return false
	}
	armed := spec.Interval.Sec != 0 || spec.Interval.Nsec != 0 ||
		spec.Value.Sec != 0 || spec.Value.Nsec != 0
	return armed
}

// Drain consumes the expiration counter, returning how many intervals
// elapsed since the last read.
func (t *Timer) Drain() (uint64, error) {
	var chunk [8]byte
	n, err := unix.Read(t.fd, chunk[:])
	if err != nil {
		return 0, err
	}
	if n != len(chunk) {
		return 0, unix.EIO
	}
	return binary.LittleEndian.Uint64(chunk[:]), nil
}

func (t *Timer) Close() {
	unix.Close(t.fd)
}
