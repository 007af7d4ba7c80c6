package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/pwp"
	"github.com/sleetbt/sleet/internal/utils"
)

const (
	channelReadChunkSize = 4096
	channelWriteTimeout  = 5 * time.Second
	channelSendBuffer    = 32
)

// channel owns the transport of an established peer conversation. Inbound
// bytes are buffered until they frame complete PWP messages, each of which is
// handed to the onMessage callback; at most one partial message is retained
// between reads. A single decode or transport error terminates the channel.
type channel struct {
	conn   net.Conn
	logger *zap.Logger

	onMessage func(pwp.Message)
	onError   func(error)

	outbound chan pwp.Message

	closeOnce sync.Once
	closed    chan struct{}
}

type channelOpts struct {
	conn      net.Conn
	logger    *zap.Logger
	onMessage func(pwp.Message)
	onError   func(error)
}

func newChannel(opts channelOpts) *channel {
	return &channel{
		conn:      opts.conn,
		logger:    opts.logger,
		onMessage: opts.onMessage,
		onError:   opts.onError,
		outbound:  make(chan pwp.Message, channelSendBuffer),
		closed:    make(chan struct{}),
	}
}

func (c *channel) start() {
	go c.readLoop()
	go c.writeLoop()
}

// send enqueues a message for writing. Messages offered after the channel has
// terminated are dropped.
func (c *channel) send(m pwp.Message) {
	select {
	case c.outbound <- m:
	case <-c.closed:
	}
}

// stop closes the transport and terminates both loops.
func (c *channel) stop() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *channel) fail(err error) {
	terminated := false

	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		terminated = true
	})

	if terminated && c.onError != nil {
		c.onError(err)
	}
}

func (c *channel) readLoop() {
	buffer := []byte{}
	chunk := make([]byte, channelReadChunkSize)

	for {
		n, err := c.conn.Read(chunk)

		if n > 0 {
			buffer = append(buffer, chunk[:n]...)

			messages, rest, decodeErr := pwp.DecodeMessages(buffer)

			if decodeErr != nil {
				c.fail(fmt.Errorf("failed to decode inbound message stream: %w", decodeErr))
				return
			}

			buffer = append(buffer[:0], rest...)

			for _, message := range messages {
				c.onMessage(message)
			}
		}

		if err != nil {
			c.fail(fmt.Errorf("failed to read from peer transport: %w", err))
			return
		}
	}
}

func (c *channel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return

		case message := <-c.outbound:
			frame := pwp.Encode(message)

			if _, err := utils.WriteFull(c.conn, frame, time.Now().Add(channelWriteTimeout)); err != nil {
				c.fail(fmt.Errorf("failed to write to peer transport: %w", err))
				return
			}

			c.logger.Debug("message sent", zap.Stringer("id", message.Id), zap.Bool("keepAlive", message.KeepAlive))
		}
	}
}
