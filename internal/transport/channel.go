// Package transport implements the stdio channel of the language server. A
// background reader frames and decodes inbound JSON-RPC messages into a
// bounded lock-free queue; the main loop polls that queue without blocking.
// Outbound envelopes are written under a mutex so responses from different
// tasks never interleave.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/orchestra-mcp/sdk-go/protocol"
	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// DefaultQueueCapacity bounds the number of decoded messages waiting for the
// main loop.
const DefaultQueueCapacity = 256

// Channel is a bidirectional JSON-RPC channel over a byte stream pair.
//
// HasMessage, NextMessage and IsClosed belong to the single consumer (the
// main loop). Send and Notify may be called from any goroutine.
type Channel struct {
	in     frameReader
	out    io.Writer
	write  frameWriter
	mu     sync.Mutex // protects out
	logger *zap.Logger

	queue lfq.SPSC[*rpc.Message]
	head  *rpc.Message // consumer-owned peek slot

	startOnce  sync.Once
	readerDone atomix.Uint32
	stopped    atomix.Uint32
	done       chan struct{}
}

// NewChannel creates a channel reading from in and writing to out with the
// given framing. Reading starts with Start.
func NewChannel(in io.Reader, out io.Writer, framing Framing, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	fr, fw := newFraming(framing, in)
	c := &Channel{
		in:     fr,
		out:    out,
		write:  fw,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.queue.Init(DefaultQueueCapacity)
	return c
}

// Start launches the background reader. Calling it more than once has no
// effect.
func (c *Channel) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// ReaderDone is closed once the background reader has stopped, either at end
// of input or after a fatal framing error.
func (c *Channel) ReaderDone() <-chan struct{} {
	return c.done
}

// HasMessage reports whether a decoded message is ready. It never blocks.
func (c *Channel) HasMessage() bool {
	if c.head != nil {
		return true
	}
	msg, err := c.queue.Dequeue()
	if err != nil {
		return false
	}
	c.head = msg
	return true
}

// NextMessage returns the next decoded message, or nil if none is ready.
// Messages are returned in arrival order.
func (c *Channel) NextMessage() *rpc.Message {
	if !c.HasMessage() {
		return nil
	}
	msg := c.head
	c.head = nil
	return msg
}

// IsClosed reports whether no further messages will arrive: the channel was
// stopped, or the input ended and every decoded message has been consumed.
func (c *Channel) IsClosed() bool {
	if c.stopped.Load() != 0 {
		return true
	}
	// readerDone is published after the last enqueue, so checking it first
	// makes the emptiness check below authoritative.
	if c.readerDone.Load() == 0 {
		return false
	}
	return !c.HasMessage()
}

// RequestStop marks the channel closed. Messages already queued are dropped
// from the consumer's point of view and the reader discards anything it
// decodes afterwards. Writes remain possible so in-flight responses can
// still be delivered.
func (c *Channel) RequestStop() {
	c.stopped.Add(1)
}

// Send writes a response envelope.
func (c *Channel) Send(resp *rpc.Response) error {
	return c.writeEnvelope(resp)
}

// Notify writes a server-to-client notification.
func (c *Channel) Notify(method string, params any) error {
	return c.writeEnvelope(rpc.NewNotification(method, params))
}

// writeEnvelope serializes v and writes it as one frame. Access to the
// writer is serialized with a mutex.
func (c *Channel) writeEnvelope(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(c.out, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer c.readerDone.Add(1)

	for c.stopped.Load() == 0 {
		body, err := c.in.ReadFrame()
		var skipped *frameError
		if errors.As(err, &skipped) {
			c.logger.Debug("malformed frame", zap.Error(err))
			c.sendParseError(err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("input stream failed", zap.Error(err))
			}
			return
		}
		if len(bytes.TrimSpace(body)) == 0 {
			continue
		}

		msg := new(rpc.Message)
		if err := json.Unmarshal(body, msg); err != nil {
			c.logger.Debug("malformed message", zap.Error(err), zap.Int("bytes", len(body)))
			c.sendParseError(err)
			continue
		}
		c.enqueue(msg)
	}
}

// enqueue hands msg to the consumer, backing off while the queue is full.
// The message is dropped if the channel is stopped meanwhile.
func (c *Channel) enqueue(msg *rpc.Message) {
	var bo iox.Backoff
	for {
		if err := c.queue.Enqueue(&msg); err == nil {
			return
		}
		if c.stopped.Load() != 0 {
			return
		}
		bo.Wait()
	}
}

// sendParseError replies to an undecodable message. Its id is unknown, so
// the response carries a null id.
func (c *Channel) sendParseError(cause error) {
	resp := &rpc.Response{
		JSONRPC: rpc.Version,
		ID:      nil,
		Error: &protocol.JSONRPCError{
			Code:    protocol.ParseError,
			Message: fmt.Sprintf("parse error: %v", cause),
		},
	}
	if err := c.Send(resp); err != nil {
		c.logger.Warn("write parse error response", zap.Error(err))
	}
}
