package engine

import (
	"bytes"
	"os"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestReaderPopSegment(t *testing.T) {
	t.Run("token present", func(t *testing.T) {
		reader := NewReader(NewSocket())
		reader.Append([]byte("alpha\r\nbeta"))
		segment := reader.PopSegment("\r\n")
		if string(segment) != "alpha" {
			t.Errorf("segment = %q, want alpha", segment)
		}
		if string(reader.Buffer()) != "beta" {
			t.Errorf("buffer = %q, want beta", reader.Buffer())
		}
	})
	t.Run("token absent", func(t *testing.T) {
		reader := NewReader(NewSocket())
		reader.Append([]byte("alpha"))
		if segment := reader.PopSegment("\r\n"); segment != nil {
			t.Errorf("segment = %q, want nil", segment)
		}
		if string(reader.Buffer()) != "alpha" {
			t.Errorf("buffer consumed on miss: %q", reader.Buffer())
		}
	})
	t.Run("buffer is strict suffix after pop", func(t *testing.T) {
		reader := NewReader(NewSocket())
		before := []byte("one two three")
		reader.Append(before)
		reader.PopSegment(" ")
		if !bytes.HasSuffix(before, reader.Buffer()) {
			t.Errorf("%q is not a suffix of %q", reader.Buffer(), before)
		}
	})
}

func TestReaderPopSegmentAt(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		position int
		segment  string
		rest     string
	}{
		{"consumes delimiter byte", "GET /", 3, "GET", "/"},
		{"position at length pops all", "abc", 3, "abc", ""},
		{"position past length pops all", "abc", 10, "abc", ""},
		{"zero position", "xrest", 0, "", "rest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewReader(NewSocket())
			reader.Append([]byte(tt.payload))
			segment := reader.PopSegmentAt(tt.position)
			if string(segment) != tt.segment {
				t.Errorf("segment = %q, want %q", segment, tt.segment)
			}
			if string(reader.Buffer()) != tt.rest {
				t.Errorf("buffer = %q, want %q", reader.Buffer(), tt.rest)
			}
		})
	}
	t.Run("negative position", func(t *testing.T) {
		reader := NewReader(NewSocket())
		reader.Append([]byte("abc"))
		if segment := reader.PopSegmentAt(-1); segment != nil {
			t.Errorf("segment = %q, want nil", segment)
		}
	})
}

func TestReaderPopLength(t *testing.T) {
	reader := NewReader(NewSocket())
	reader.Append([]byte("hello world"))
	if got := reader.PopLength(5); string(got) != "hello" {
		t.Errorf("segment = %q, want hello", got)
	}
	if got := string(reader.Buffer()); got != " world" {
		t.Errorf("buffer = %q, want rest with no byte skipped", got)
	}
	if got := reader.PopLength(100); string(got) != " world" {
		t.Errorf("over-length pop = %q, want whole rest", got)
	}
	if got := reader.PopLength(1); got != nil {
		t.Errorf("pop from empty = %q, want nil", got)
	}
}

func TestReaderPositionAndScan(t *testing.T) {
	reader := NewReader(NewSocket())
	reader.Append([]byte("key: value\r\n"))
	if pos := reader.Position(":"); pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
	if pos := reader.Position("missing"); pos != -1 {
		t.Errorf("position = %d, want -1", pos)
	}
	if !reader.IsInBuffer("\r\n") {
		t.Errorf("token not found")
	}
	reader.Clear()
	if len(reader.Buffer()) != 0 {
		t.Errorf("buffer not cleared")
	}
}

func TestIoStatusString(t *testing.T) {
	tests := []struct {
		status IoStatus
		want   string
	}{
		{Success, "success"},
		{Blocked, "blocked"},
		{Disconnect, "disconnect"},
		{Overflow, "overflow"},
		{EmptyBuffer, "empty buffer"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestEpollPipeReadiness(t *testing.T) {
	epoll := NewEpoll()
	if err := epoll.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer epoll.Release()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := epoll.AddReadable(fds[0]); err != nil {
		t.Fatalf("add: %v", err)
	}

	count, err := epoll.Wait(0)
	if err != nil || count != 0 {
		t.Fatalf("idle wait = %d, %v, want 0 events", count, err)
	}

	unix.Write(fds[1], []byte("x"))
	count, err = epoll.Wait(1000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if epoll.Descriptor(0) != fds[0] {
		t.Errorf("descriptor = %d, want %d", epoll.Descriptor(0), fds[0])
	}
	if !epoll.IsReadable(0) || epoll.IsWritable(0) || epoll.HasErrors(0) {
		t.Errorf("flags = %#x, want readable only", epoll.EventFlags(0))
	}
	if err := epoll.DeleteDescriptor(fds[0]); err != nil {
		t.Errorf("delete: %v", err)
	}
}

func TestTimerSchedule(t *testing.T) {
	timer, err := OpenTimer()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer timer.Close()

	if timer.IsScheduled() {
		t.Errorf("fresh timer should be disarmed")
	}
	if err := timer.Schedule(10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !timer.IsScheduled() {
		t.Errorf("armed timer should report scheduled")
	}

	fds := []unix.PollFd{{Fd: int32(timer.Descriptor()), Events: unix.POLLIN}}
	if ready, err := unix.Poll(fds, 1000); err != nil || ready != 1 {
		t.Fatalf("poll = %d, %v, want expiration", ready, err)
	}
	count, err := timer.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if count == 0 {
		t.Errorf("count = 0, want at least one interval")
	}

	if err := timer.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if timer.IsScheduled() {
		t.Errorf("cleared timer should be disarmed")
	}
}

func TestSignalDelivery(t *testing.T) {
	signals, err := OpenSignals(syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer signals.Close()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	fds := []unix.PollFd{{Fd: int32(signals.Descriptor()), Events: unix.POLLIN}}
	if ready, err := unix.Poll(fds, 2000); err != nil || ready != 1 {
		t.Fatalf("poll = %d, %v, want delivery", ready, err)
	}
	for _, sig := range signals.Drain() {
		if sig == syscall.SIGUSR1 {
			return
		}
	}
	t.Errorf("SIGUSR1 not drained")
}

func TestSocketLoopback(t *testing.T) {
	const service = "18431"

	listener := NewSocket()
	if err := listener.Listen(service, ""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	if !listener.IsListening() || listener.IsConnected() {
		t.Fatalf("listener state wrong")
	}

	client := NewSocket()
	if err := client.Connect(service, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Unblock(); err != nil {
		t.Fatalf("unblock client: %v", err)
	}

	var accepted *Socket
	for i := 0; i < 50; i++ {
		var err error
		accepted, err = listener.Accept()
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if accepted == nil {
		t.Fatalf("accept never succeeded")
	}
	defer accepted.Close()
	if accepted.IsBlocking() {
		if err := accepted.Unblock(); err != nil {
			t.Fatalf("unblock accepted: %v", err)
		}
	}

	t.Run("send and receive", func(t *testing.T) {
		writer := NewWriter(client)
		writer.Write([]byte("ping\r\n"))
		writer.Send(1000)
		if !writer.IsEmpty() || writer.HasErrors() {
			t.Fatalf("send status = %v", writer.Status())
		}

		reader := NewReader(accepted)
		reader.ReadUntil("\r\n", 1000)
		if reader.HasErrors() {
			t.Fatalf("read status = %v", reader.Status())
		}
		if got := reader.PopSegment("\r\n"); string(got) != "ping" {
			t.Errorf("received %q, want ping", got)
		}
	})

	t.Run("receive on blocking socket rejected", func(t *testing.T) {
		blocking := NewSocket()
		if err := blocking.Connect(service, ""); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer blocking.Close()
		var payload []byte
		if status := blocking.Receive(&payload, 0); status != SocketFlags {
			t.Errorf("status = %v, want socket flags", status)
		}
	})

	t.Run("disconnect observed", func(t *testing.T) {
		client.Close()
		var payload []byte
		status := Blocked
		for i := 0; i < 100; i++ {
			status = accepted.Receive(&payload, 0)
			if status != Blocked && status != Success {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if status != Disconnect {
			t.Errorf("status = %v, want disconnect", status)
		}
	})
}

func TestAcceptOnNonListener(t *testing.T) {
	socket := NewSocket()
	if _, err := socket.Accept(); err != unix.EINVAL {
		t.Errorf("err = %v, want EINVAL", err)
	}
}

func TestWriterAccumulates(t *testing.T) {
	writer := NewWriter(NewSocket())
	if !writer.IsEmpty() {
		t.Errorf("fresh writer not empty")
	}
	writer.Write([]byte("abc"))
	writer.Write([]byte("def"))
	if writer.IsEmpty() {
		t.Errorf("writer empty after writes")
	}
	if writer.HasErrors() {
		t.Errorf("fresh writer reports errors")
	}
}
