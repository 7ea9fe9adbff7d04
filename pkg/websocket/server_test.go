package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/registry"
)

const marker = config.DefaultMarker

func startServer(t *testing.T, mutate func(*config.ServerConfig), opts ...Option) (*Server, string) {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, "ws://" + srv.Addr().String() + cfg.Path
}

func dial(t *testing.T, url string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func roundTrip(t *testing.T, c *ws.Conn, text string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(text)))
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, ws.MessageText, typ)
	return string(data)
}

// readClose reads until the connection is closed and returns the close
// status the server sent.
func readClose(t *testing.T, c *ws.Conn, within time.Duration) ws.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			require.NoError(t, ctx.Err(), "connection not closed within %s", within)
			return ws.CloseStatus(err)
		}
	}
}

// rawRequest sends a raw HTTP request and returns the parsed response.
func rawRequest(t *testing.T, addr, request string) (*http.Response, net.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, conn
}

func upgradeRequest(path, extra string) string {
	return "GET " + path + " HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		extra + "\r\n"
}

type countingDispatcher struct {
	calls atomic.Int32
	next  Dispatcher
}

func (d *countingDispatcher) Dispatch(ctx context.Context, c *Connection, msg Message) ([]Message, error) {
	d.calls.Add(1)
	return d.next.Dispatch(ctx, c, msg)
}

func TestServer_EchoScenario(t *testing.T) {
	reg := registry.New()
	_, url := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Idle.Reader = config.Duration(300 * time.Millisecond)
	}, WithRegistry(reg))

	c := dial(t, url)
	assert.Equal(t, marker+"hello", roundTrip(t, c, "hello"))

	entries := reg.Snapshot()
	require.Len(t, entries, 1)
	conn, ok := entries[0].Session.(*Connection)
	require.True(t, ok)
	assert.Equal(t, StateUpgraded, conn.State())
	assert.Equal(t, "/", entries[0].Metadata["path"])
	assert.NotEmpty(t, entries[0].Metadata["remote"])

	// Silent client: the server closes it with going away.
	assert.Equal(t, ws.StatusGoingAway, readClose(t, c, 5*time.Second))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.Contains(conn.Handle()))
	assert.Equal(t, StateClosed, conn.State())
}

func TestServer_EchoTwiceInOrder(t *testing.T) {
	_, url := startServer(t, nil)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("ping")))
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("ping")))
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("pong")))

	for _, want := range []string{"ping", "ping", "pong"} {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, marker+want, string(data))
	}
}

func TestServer_RegistryMembership(t *testing.T) {
	reg := registry.New()
	_, url := startServer(t, nil, WithRegistry(reg))

	a := dial(t, url)
	b := dial(t, url)
	roundTrip(t, a, "a")
	roundTrip(t, b, "b")
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, a.Close(ws.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.CloseNow())
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_IdleUnregistersBeforeCloseHandshake(t *testing.T) {
	reg := registry.New()
	srv, _ := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Idle.Reader = config.Duration(200 * time.Millisecond)
	}, WithRegistry(reg))

	// The peer upgrades and then never answers the close frame.
	resp, _ := rawRequest(t, srv.Addr().String(), upgradeRequest("/", ""))
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Well inside the close handshake timeout.
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, srv.Sessions())
}

func TestServer_ActivityKeepsSessionOpen(t *testing.T) {
	reg := registry.New()
	_, url := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Idle.Reader = config.Duration(250 * time.Millisecond)
	}, WithRegistry(reg))

	c := dial(t, url)
	for i := 0; i < 12; i++ {
		assert.Equal(t, fmt.Sprintf("%s%d", marker, i), roundTrip(t, c, fmt.Sprint(i)))
		time.Sleep(80 * time.Millisecond)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestServer_RawConnectionIdle(t *testing.T) {
	srv, _ := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Idle.Reader = config.Duration(100 * time.Millisecond)
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "server should close the silent socket before the deadline")
	}
}

func TestServer_OversizedMessageAfterUpgrade(t *testing.T) {
	d := &countingDispatcher{next: NewEchoDispatcher(marker)}
	reg := registry.New()
	_, url := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxMessageSize = 1024
	}, WithDispatcher(d), WithRegistry(reg))

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(strings.Repeat("x", 2048))))

	assert.Equal(t, ws.StatusMessageTooBig, readClose(t, c, 5*time.Second))
	assert.Zero(t, d.calls.Load(), "dispatch must not see oversized messages")
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_OversizedRequestBeforeUpgrade(t *testing.T) {
	reg := registry.New()
	srv, _ := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxMessageSize = 1024
	}, WithRegistry(reg))

	t.Run("body", func(t *testing.T) {
		body := strings.Repeat("b", 4096)
		resp, conn := rawRequest(t, srv.Addr().String(),
			upgradeRequest("/", fmt.Sprintf("Content-Length: %d\r\n", len(body)))+body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assertClosed(t, conn)
	})

	t.Run("chunked body", func(t *testing.T) {
		chunk := strings.Repeat("c", 2048)
		body := fmt.Sprintf("%x\r\n%s\r\n0\r\n\r\n", len(chunk), chunk)
		resp, conn := rawRequest(t, srv.Addr().String(),
			upgradeRequest("/", "Transfer-Encoding: chunked\r\n")+body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assertClosed(t, conn)
	})

	t.Run("headers", func(t *testing.T) {
		pad := strings.Repeat("h", 8192)
		resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/", "X-Pad: "+pad+"\r\n"))
		assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
		assertClosed(t, conn)
	})

	t.Run("headers just over limit", func(t *testing.T) {
		pad := strings.Repeat("h", 1500)
		resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/", "X-Pad: "+pad+"\r\n"))
		assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
		assertClosed(t, conn)
	})

	assert.Zero(t, reg.Len())

	t.Run("headers within limit", func(t *testing.T) {
		pad := strings.Repeat("h", 400)
		resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/", "X-Pad: "+pad+"\r\n"))
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServer_OversizedHeadersDefaultLimit(t *testing.T) {
	reg := registry.New()
	srv, _ := startServer(t, nil, WithRegistry(reg))
	require.Equal(t, int64(config.DefaultMaxMessageSize), srv.cfg.MaxMessageSize)

	pad := strings.Repeat("h", config.DefaultMaxMessageSize+100)
	resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/", "X-Pad: "+pad+"\r\n"))
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
	assertClosed(t, conn)
	assert.Zero(t, reg.Len())
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 512)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection left open")
			}
			return
		}
	}
}

func TestServer_RejectsWrongPathAndPlainHTTP(t *testing.T) {
	reg := registry.New()
	m := metrics.NewServerMetrics(metrics.NewRegistry())
	srv, _ := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Path = "/ws"
	}, WithRegistry(reg), WithMetrics(m))

	resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/other", ""))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assertClosed(t, conn)

	resp, conn = rawRequest(t, srv.Addr().String(), upgradeRequest("/ws/sub", ""))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path match is exact")
	assertClosed(t, conn)

	resp, conn = rawRequest(t, srv.Addr().String(), "GET /ws HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assertClosed(t, conn)

	assert.Zero(t, reg.Len())

	var out strings.Builder
	require.NoError(t, m.Registry.WriteText(&out))
	assert.Contains(t, out.String(), `wsecho_upgrades_total{result="not_found"} 2`)
	assert.Contains(t, out.String(), `wsecho_upgrades_total{result="bad_request"} 1`)
}

func TestServer_InvalidUTF8(t *testing.T) {
	d := &countingDispatcher{next: NewEchoDispatcher(marker)}
	srv, _ := startServer(t, nil, WithDispatcher(d))

	c, _, err := gorilla.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(gorilla.TextMessage, []byte{0xff, 0xfe, 0xfd}))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = c.ReadMessage()
	assert.True(t, gorilla.IsCloseError(err, gorilla.CloseInvalidFramePayloadData), "got %v", err)
	assert.Zero(t, d.calls.Load())
}

func TestServer_BinaryFramesIgnored(t *testing.T) {
	_, url := startServer(t, nil)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageBinary, []byte{1, 2, 3}))
	assert.Equal(t, marker+"after", roundTrip(t, c, "after"), "the first reply belongs to the text frame")
}

func TestServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = busy.Addr().(*net.TCPAddr).Port

	srv := NewServer(cfg)
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.Nil(t, srv.Addr())
	assert.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
}

func TestServer_StartTwice(t *testing.T) {
	srv, _ := startServer(t, nil)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerRunning)
}

func TestServer_StopDrainsSessions(t *testing.T) {
	reg := registry.New()
	srv, url := startServer(t, nil, WithRegistry(reg))

	const clients = 5
	codes := make(chan ws.StatusCode, clients)
	for i := 0; i < clients; i++ {
		c := dial(t, url)
		roundTrip(t, c, "hi")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for {
				if _, _, err := c.Read(ctx); err != nil {
					codes <- ws.CloseStatus(err)
					return
				}
			}
		}()
	}
	require.Equal(t, clients, reg.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	assert.Zero(t, reg.Len(), "Stop returns after every session is unregistered")
	for i := 0; i < clients; i++ {
		assert.Equal(t, ws.StatusGoingAway, <-codes)
	}
	assert.NoError(t, srv.Wait())

	_, err := net.DialTimeout("tcp", url[len("ws://"):len(url)-1], time.Second)
	assert.Error(t, err, "listener is closed")
	assert.ErrorIs(t, srv.Stop(ctx), ErrServerNotRunning)
}

func TestServer_Broadcast(t *testing.T) {
	srv, url := startServer(t, nil)

	a := dial(t, url)
	b := dial(t, url)
	roundTrip(t, a, "a")
	roundTrip(t, b, "b")

	n, err := srv.Broadcast("all")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range []*ws.Conn{a, b} {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "all", string(data))
	}

	require.Eventually(t, func() bool {
		sessions := srv.Sessions()
		if len(sessions) != 2 {
			return false
		}
		for _, s := range sessions {
			if s.State != "upgraded" || s.MessagesSent != 2 || s.MessagesReceived != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConcurrentUpgradesAndCloses(t *testing.T) {
	reg := registry.New(registry.WithShards(8))
	_, url := startServer(t, nil, WithRegistry(reg))

	const clients = 120
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			seen := make(map[string]bool)
			for _, e := range reg.Snapshot() {
				if seen[e.Handle()] {
					t.Errorf("duplicate handle %s in snapshot", e.Handle())
				}
				seen[e.Handle()] = true
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c, _, err := ws.Dial(ctx, url, nil)
			if err != nil {
				t.Errorf("dial %d: %v", i, err)
				return
			}
			msg := fmt.Sprint(i)
			if err := c.Write(ctx, ws.MessageText, []byte(msg)); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			if _, data, err := c.Read(ctx); err != nil || string(data) != marker+msg {
				t.Errorf("read %d: %q %v", i, data, err)
				return
			}
			if i%2 == 0 {
				_ = c.Close(ws.StatusNormalClosure, "")
			} else {
				_ = c.CloseNow()
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 10*time.Second, 20*time.Millisecond)
	close(stop)
	readers.Wait()
}

func TestServer_DispatchError(t *testing.T) {
	d := DispatcherFunc(func(context.Context, *Connection, Message) ([]Message, error) {
		return nil, errors.New("boom")
	})
	_, url := startServer(t, nil, WithDispatcher(d))

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("x")))
	assert.Equal(t, ws.StatusInternalError, readClose(t, c, 5*time.Second))
}

func TestServer_SetIdleAppliesToNewConnections(t *testing.T) {
	srv, url := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Idle.Reader = 0
	})
	assert.False(t, srv.Idle().Enabled())

	srv.SetIdle(IdleConfig{Reader: 100 * time.Millisecond})
	c := dial(t, url)
	assert.Equal(t, ws.StatusGoingAway, readClose(t, c, 5*time.Second))
}

func TestServer_UpgradeRateLimit(t *testing.T) {
	reg := registry.New()
	m := metrics.NewServerMetrics(metrics.NewRegistry())
	srv, url := startServer(t, func(cfg *config.ServerConfig) {
		cfg.UpgradeLimit = config.UpgradeLimitConfig{Rate: 0.01, Burst: 2}
	}, WithRegistry(reg), WithMetrics(m))

	first := dial(t, url)
	defer first.CloseNow()
	second := dial(t, url)
	defer second.CloseNow()

	resp, conn := rawRequest(t, srv.Addr().String(), upgradeRequest("/", ""))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assertClosed(t, conn)

	// Requests that are not upgrade attempts are not charged.
	resp, _ = rawRequest(t, srv.Addr().String(), "GET /other HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool { return reg.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	var out strings.Builder
	require.NoError(t, m.Registry.WriteText(&out))
	assert.Contains(t, out.String(), `wsecho_upgrades_total{result="rate_limited"} 1`)
}
