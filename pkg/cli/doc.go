// Package cli implements the wsecho command line.
//
// Commands:
//
//   - serve: run the WebSocket echo server in the foreground
//   - connect: open a WebSocket client session against a server
//   - config: print the effective configuration and where each value came from
//   - version: print build information
package cli
