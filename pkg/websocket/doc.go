// Package websocket implements the wsecho connection pipeline.
//
// Every accepted TCP connection passes through the same stages:
//
//   - idle supervision, armed as soon as the socket is accepted
//   - HTTP framing and request aggregation (net/http, bounded by
//     MaxMessageSize)
//   - the upgrade handshake (github.com/coder/websocket)
//   - message dispatch for every inbound text frame
//
// A Connection moves through the states Raw, Upgrading, Upgraded, Closing and
// Closed. It becomes visible in the session registry only when it reaches
// Upgraded, and a close listener removes it again before it reaches Closed.
//
// Usage:
//
//	reg := registry.New()
//	srv := websocket.NewServer(cfg,
//		websocket.WithRegistry(reg),
//		websocket.WithDispatcher(websocket.NewEchoDispatcher(cfg.Marker)),
//		websocket.WithLogger(logger),
//	)
//	if err := srv.Start(ctx); err != nil {
//		return err // bind failures wrap ErrBind
//	}
//	defer srv.Stop(context.Background())
//
// Dispatchers are shared by all connections and must not keep
// per-connection state.
package websocket
