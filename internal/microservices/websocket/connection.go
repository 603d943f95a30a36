package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	WriteWait      = 10 * time.Second // max time to write a message to the peer
	MaxMessageSize = 1024 * 1024      // default per-message read limit, 1MB
)

// ClientOptions tunes a single connection.
type ClientOptions struct {
	IdleTimeout  time.Duration // 0 = wait for the next message forever
	ErrorReplies bool          // answer failed requests with an error message instead of silence
}

// ClientConnection owns one WebSocket connection: it reads messages one at a
// time, dispatches them and writes the replies back in order.
type ClientConnection struct {
	ID         string // unique identifier = key in the manager map
	RemoteAddr string
	conn       *websocket.Conn
	dispatcher *Dispatcher
	logger     *slog.Logger
	opts       ClientOptions
	writeMu    sync.Mutex // gorilla allows one concurrent writer
	closeOnce  sync.Once
}

// constructor for ClientConnection
func NewClientConnection(conn *websocket.Conn, dispatcher *Dispatcher, logger *slog.Logger, opts ClientOptions) *ClientConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientConnection{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts,
	}
}

// Listen runs the receive loop until the peer goes away or the stream fails.
// A bad message never ends the loop; only transport errors do.
func (c *ClientConnection) Listen(ctx context.Context) {
	defer c.Close()

	c.logger.Info("client_connected",
		"client_id", c.ID,
		"remote_addr", c.RemoteAddr,
	)
	c.extendDeadline()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.extendDeadline()

		c.handleMessage(ctx, data)
	}
}

func (c *ClientConnection) logReadError(err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("client_disconnected",
			"client_id", c.ID,
			"remote_addr", c.RemoteAddr,
		)
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message_too_large",
			"client_id", c.ID,
			"remote_addr", c.RemoteAddr,
		)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Warn("client_read_timeout",
			"client_id", c.ID,
			"remote_addr", c.RemoteAddr,
		)
	case errors.Is(err, net.ErrClosed):
		// closed from our side, e.g. during shutdown
		c.logger.Info("client_connection_closed",
			"client_id", c.ID,
		)
	default:
		c.logger.Warn("client_read_error",
			"client_id", c.ID,
			"remote_addr", c.RemoteAddr,
			"error", err.Error(),
		)
	}
}

// handleMessage is the per-message error boundary: decode, dispatch and send
// failures are logged here and go no further.
func (c *ClientConnection) handleMessage(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message_handler_panic",
				"client_id", c.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.logger.Warn("invalid_json_received",
			"client_id", c.ID,
			"error", err.Error(),
		)
		c.replyError(err)
		return
	}

	resp, err := c.dispatcher.Dispatch(ctx, env)
	if err != nil {
		action, _ := env.Action()
		c.logger.Error("request_failed",
			"client_id", c.ID,
			"action", string(action),
			"error", err.Error(),
		)
		c.replyError(err)
		return
	}
	if resp == nil {
		return
	}

	if err := c.Send(resp); err != nil {
		c.logger.Warn("failed_to_send_response",
			"client_id", c.ID,
			"error", err.Error(),
		)
	}
}

func (c *ClientConnection) replyError(err error) {
	if !c.opts.ErrorReplies {
		return
	}
	if sendErr := c.Send(NewErrorResponse(err)); sendErr != nil {
		c.logger.Warn("failed_to_send_error_reply",
			"client_id", c.ID,
			"error", sendErr.Error(),
		)
	}
}

// Send encodes resp and writes it as one text message.
func (c *ClientConnection) Send(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// GoingAway asks the peer to close, the receive loop ends once it answers.
// The write gives up at deadline.
func (c *ClientConnection) GoingAway(reason string, deadline time.Time) error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// Close drops the underlying connection. Safe to call more than once.
func (c *ClientConnection) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *ClientConnection) extendDeadline() {
	if c.opts.IdleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}
