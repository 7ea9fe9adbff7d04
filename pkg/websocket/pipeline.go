package websocket

import (
	"errors"
	"io"
	"time"
	"unicode/utf8"

	ws "github.com/coder/websocket"

	"github.com/getmockd/wsecho/pkg/metrics"
)

// serve runs the read loop of an upgraded connection until it closes.
// Inbound messages are handled one at a time, in arrival order; replies are
// queued on the outbox in dispatch order.
func (c *Connection) serve(d Dispatcher) {
	defer c.writer.Wait()

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.messagesRecv.Add(1)

		if messageTypeOf(typ) == MessageBinary {
			continue
		}
		if !utf8.Valid(data) {
			_ = c.terminate(CloseInvalidPayload, "invalid UTF-8", metrics.CloseReasonInvalid)
			return
		}
		c.metrics.Message(metrics.DirectionInbound)

		if c.State() != StateUpgraded {
			return
		}
		start := time.Now()
		replies, err := d.Dispatch(c.ctx, c, Message{Type: MessageText, Data: data})
		c.metrics.ObserveDispatch(time.Since(start))
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("dispatch failed", "error", err)
			_ = c.terminate(CloseInternalError, "dispatch failed", metrics.CloseReasonError)
			return
		}

		for _, reply := range replies {
			if err := c.Send(reply); err != nil {
				return
			}
		}
	}
}

// readFailed closes the connection after the read loop stopped. It does
// nothing when the close was initiated locally.
func (c *Connection) readFailed(err error) {
	if c.State() >= StateClosing {
		return
	}

	switch status := ws.CloseStatus(err); {
	case errors.Is(err, ws.ErrMessageTooBig):
		_ = c.terminate(CloseMessageTooBig, "message too big", metrics.CloseReasonTooLarge)
	case status != -1:
		_ = c.terminate(CloseCode(status), "", metrics.CloseReasonPeer)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		_ = c.terminate(CloseAbnormalClosure, "", metrics.CloseReasonPeer)
	default:
		c.logger.Debug("read failed", "error", err)
		_ = c.terminate(CloseAbnormalClosure, "read failed", metrics.CloseReasonError)
	}
}
