// Package config provides the configuration types for the wsecho server.
//
// ServerConfig holds every tunable of the server: the listener (port,
// backlog, keepalive, connection cap), the upgrade stage (path, maximum
// aggregated message size), idle supervision thresholds, the echo marker and
// optional content rules, logging and the admin listener.
//
// Configuration files are YAML. Unknown keys are rejected and missing keys
// keep their defaults:
//
//	port: 8090
//	path: /
//	marker: "echo: "
//	idle:
//	  reader: 30s
//	rules:
//	  - name: ping
//	    when: text == "ping"
//	    reply: '"pong"'
//
// Durations accept Go duration strings or integer seconds.
//
// Watch reloads a file on change, which the server uses to update the marker,
// the rules, the idle thresholds applied to new connections and the log level
// without a restart.
package config
