// Package sessiontest provides a recording connection for tests.
package sessiontest

import (
	"github.com/charlesng35/collabd/internal/wire"
)

// Conn records every message sent to it. Write notifications are held back until
// FlushSent is called, mirroring a transport that writes asynchronously.
type Conn struct {
	id       string
	Messages []*wire.Message
	pending  []func()
	closed   bool
}

// NewConn returns a connection with the given id.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return "test:" + c.id }

// Send records a copy of msg.
func (c *Conn) Send(msg *wire.Message, sent func()) bool {
	if c.closed {
		return false
	}
	c.Messages = append(c.Messages, msg.Clone())
	if sent != nil {
		c.pending = append(c.pending, sent)
	}
	return true
}

// FlushSent runs the write notifications of every message sent so far.
func (c *Conn) FlushSent() {
	for len(c.pending) > 0 {
		fn := c.pending[0]
		c.pending = c.pending[1:]
		fn()
	}
}

// Close makes further sends fail.
func (c *Conn) Close() {
	c.closed = true
}

// Names returns the tags of the recorded messages in order.
func (c *Conn) Names() []string {
	out := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, m.Name)
	}
	return out
}

// Named returns the recorded messages with the given tag.
func (c *Conn) Named(name string) []*wire.Message {
	var out []*wire.Message
	for _, m := range c.Messages {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, or nil.
func (c *Conn) Last() *wire.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Reset forgets the recorded messages.
func (c *Conn) Reset() {
	c.Messages = nil
}
