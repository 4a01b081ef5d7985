package engine

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalFd exposes delivered process signals as a readable descriptor
// so the event loop can multiplex them with socket readiness. The Go
// runtime owns the process signal mask, so delivery goes through
// os/signal and a nonblocking pipe instead of a raw signalfd.
type SignalFd struct {
	readFd  int
	writeFd int
	ch      chan os.Signal
}

// OpenSignals registers the given signals and returns a descriptor that
// becomes readable once any of them is delivered.
func OpenSignals(signals ...os.Signal) (*SignalFd, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	s := &SignalFd{
		readFd:  fds[0],
		writeFd: fds[1],
		ch:      make(chan os.Signal, 8),
	}
	signal.Notify(s.ch, signals...)
	go func() {
		for sig := range s.ch {
			number, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			payload := [1]byte{byte(number)}
			unix.Write(s.writeFd, payload[:])
		}
	}()
	return s, nil
}

func (s *SignalFd) Descriptor() int {
	return s.readFd
}

// Drain reads all pending signal numbers from the descriptor.
func (s *SignalFd) Drain() []os.Signal {
	var signals []os.Signal
	var chunk [16]byte
	for {
		n, err := unix.Read(s.readFd, chunk[:])
		if n <= 0 || err != nil {
			break
		}
		for _, number := range chunk[:n] {
			signals = append(signals, syscall.Signal(number))
		}
	}
	return signals
}

func (s *SignalFd) Close() {
	signal.Stop(s.ch)
	close(s.ch)
	unix.Close(s.writeFd)
	unix.Close(s.readFd)
}
