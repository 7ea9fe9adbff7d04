//go:build linux

package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func keepAliveFlag(t *testing.T, c net.Conn) int {
	t.Helper()
	tcp, ok := c.(*net.TCPConn)
	require.True(t, ok)
	raw, err := tcp.SyscallConn()
	require.NoError(t, err)

	var v int
	var optErr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		v, optErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	}))
	require.NoError(t, optErr)
	return v
}

func TestListener_KeepAliveApplied(t *testing.T) {
	tests := []struct {
		name      string
		keepAlive bool
		want      int
	}{
		{"enabled", true, 1},
		{"disabled", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln := listenLocal(t, Options{KeepAlive: tt.keepAlive})
			accepted := acceptOne(t, ln)

			client, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			defer client.Close()

			server := <-accepted
			require.NotNil(t, server)
			defer server.Close()

			tc, ok := FromConn(server)
			require.True(t, ok)
			assert.Equal(t, tt.want, keepAliveFlag(t, tc.NetConn()))
		})
	}
}

func TestSetBacklog_AppliesToListeningSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.NoError(t, setBacklog(ln, 16))
}
