package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/getmockd/wsecho/pkg/cli/internal/flags"
)

type connectFlags struct {
	headers flags.Headers
	send    []string
	timeout time.Duration
}

func newConnectCmd() *cobra.Command {
	f := &connectFlags{}

	cmd := &cobra.Command{
		Use:   "connect <url>",
		Short: "Connect to a WebSocket server and exchange text messages",
		Long: `Open a WebSocket session and print every text message received.

With --send, each message is sent in turn and the command waits for one reply
per message before closing the session normally. Without --send, lines read
from stdin are sent until EOF.`,
		Example: `  # One request, one reply
  wsecho connect ws://localhost:8090/ --send hello

  # Interactive session
  wsecho connect ws://localhost:8090/ws

  # Extra handshake headers
  wsecho connect ws://localhost:8090/ -H "Authorization: Bearer token" --send ping`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], f)
		},
	}

	cmd.Flags().VarP(&f.headers, "header", "H", "Handshake header as 'Key: value' (repeatable)")
	cmd.Flags().StringArrayVarP(&f.send, "send", "s", nil, "Message to send (repeatable)")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Second, "Handshake and per-reply timeout")
	return cmd
}

func runConnect(cmd *cobra.Command, url string, f *connectFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dialer := websocket.Dialer{HandshakeTimeout: f.timeout}
	conn, resp, err := dialer.DialContext(ctx, url, f.headers.HTTP())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %w (HTTP %s)", url, err, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)

	msgs := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			select {
			case msgs <- string(data):
			case <-done:
				return
			}
		}
	}()

	if len(f.send) > 0 {
		for _, m := range f.send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			select {
			case reply := <-msgs:
				fmt.Fprintln(out, reply)
			case err := <-readErr:
				return sessionEnded(err)
			case <-time.After(f.timeout):
				return fmt.Errorf("no reply within %s", f.timeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return closeSession(conn, readErr, f.timeout)
	}

	lines := make(chan string)
	go scanLines(ctx, cmd.InOrStdin(), lines)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return closeSession(conn, readErr, f.timeout)
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case reply := <-msgs:
			fmt.Fprintln(out, reply)
		case err := <-readErr:
			return sessionEnded(err)
		case <-ctx.Done():
			return closeSession(conn, readErr, f.timeout)
		}
	}
}

func scanLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// closeSession sends a normal close and waits for the server's reply.
func closeSession(conn *websocket.Conn, readErr <-chan error, timeout time.Duration) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("close: %w", err)
	}
	select {
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		return sessionEnded(err)
	case <-time.After(timeout):
		return nil
	}
}

// sessionEnded turns the read error that ended a session into the command
// result. A server initiated close is reported as an error carrying its code.
func sessionEnded(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return nil
		}
		return fmt.Errorf("session closed by server: %d %s", ce.Code, ce.Text)
	}
	return fmt.Errorf("read: %w", err)
}
