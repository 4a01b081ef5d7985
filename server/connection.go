package server

import (
	"time"

	"github.com/kfcemployee/httpd/server/engine"
	"github.com/kfcemployee/httpd/server/protocol"
)

// connectionTimeout is how long a connection may sit idle, in
// milliseconds. It also paces the sweep timer.
const connectionTimeout = 10_000

// Connection ties one accepted socket to its buffers, its in-progress
// parse and its idle deadline.
type Connection struct {
	socket *engine.Socket
	reader *engine.Reader
	writer *engine.Writer
	parser *protocol.Parser
	expiry int64
}

func NewConnection(socket *engine.Socket) *Connection {
	return &Connection{
		socket: socket,
		reader: engine.NewReader(socket),
		writer: engine.NewWriter(socket),
		parser: protocol.NewParser(),
		expiry: nowMillis() + connectionTimeout,
	}
}

func (c *Connection) Socket() *engine.Socket {
	return c.socket
}

func (c *Connection) Reader() *engine.Reader {
	return c.reader
}

func (c *Connection) Writer() *engine.Writer {
	return c.writer
}

func (c *Connection) Stage() protocol.Stage {
	return c.parser.Stage()
}

func (c *Connection) Request() *protocol.Request {
	return c.parser.Request()
}

func (c *Connection) Parse() {
	c.parser.Parse(c.reader)
}

// Restart prepares the connection for the next request on the same
// socket and pushes the idle deadline out.
func (c *Connection) Restart() {
	c.parser.Restart()
	c.expiry = nowMillis() + connectionTimeout
}

func (c *Connection) Expiry() int64 {
	return c.expiry
}

func (c *Connection) IsExpired(now int64) bool {
	return c.expiry <= now
}

func (c *Connection) IsGood() bool {
	return c.socket.IsGood()
}

func (c *Connection) Close() {
	c.socket.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
