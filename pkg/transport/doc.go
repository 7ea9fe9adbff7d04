// Package transport provides the TCP listener used by the wsecho server.
//
// Listen binds a TCP address with an explicit accept backlog, applies the
// keepalive setting to every accepted socket and optionally caps the number of
// simultaneously open connections. Every accepted socket is returned as a
// *Conn, which records when bytes were last read and written so that idle
// supervision can measure inactivity below the HTTP and WebSocket layers.
//
// On Linux the backlog is applied with listen(2) through golang.org/x/sys/unix
// after the socket is bound. On other platforms the runtime default is used.
package transport
