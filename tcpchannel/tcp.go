// Package tcpchannel carries channel messages over a single TCP
// connection, one JSON message per line.
package tcpchannel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dropwire/dropwire/channel"
)

// Conn is one end of a TCP channel.
type Conn struct {
	mu       sync.Mutex
	c        net.Conn
	handlers map[int]channel.Handler
	nextID   int
	closed   bool

	log *logrus.Entry
}

// Dial connects to a listening peer.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(c), nil
}

// Listener accepts a single peer connection.
type Listener struct {
	ln net.Listener
}

// Listen starts listening on addr for one peer.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks for the next peer connection and stops listening once it
// has one; the channel is a link between exactly two peers.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	l.ln.Close()
	return newConn(c), nil
}

// Close stops listening without accepting a peer.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func newConn(c net.Conn) *Conn {
	conn := &Conn{
		c:        c,
		handlers: make(map[int]channel.Handler),
		log: logrus.WithFields(logrus.Fields{
			"module": "tcpchannel",
			"peer":   c.RemoteAddr().String(),
		}),
	}
	go conn.readLoop()
	return conn
}

// readLoop delivers inbound lines to the registered handlers until the
// connection dies.
func (c *Conn) readLoop() {
	r := bufio.NewReader(c.c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			c.log.WithError(err).Debug("read loop finished")
			c.markClosed()
			return
		}

		line = bytes.TrimRight(line, "\n")
		if len(line) == 0 {
			continue
		}

		c.mu.Lock()
		handlers := make([]channel.Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(json.RawMessage(line))
		}
	}
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send writes one message line to the peer.
func (c *Conn) Send(msg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return channel.ErrClosed
	}

	out := make([]byte, 0, len(msg)+1)
	out = append(out, msg...)
	out = append(out, '\n')

	if _, err := c.c.Write(out); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// Subscribe registers a handler for inbound messages.
func (c *Conn) Subscribe(h channel.Handler) channel.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.handlers[id] = h

	return &connSub{conn: c, id: id}
}

// Close tears the connection down.
func (c *Conn) Close() error {
	c.markClosed()
	return c.c.Close()
}

type connSub struct {
	conn *Conn
	id   int
}

func (s *connSub) Cancel() {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.handlers, s.id)
}
