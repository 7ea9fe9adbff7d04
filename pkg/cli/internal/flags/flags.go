// Package flags provides reusable flag types for CLI commands.
package flags

import (
	"fmt"
	"net/http"
	"strings"
)

// Headers implements pflag.Value for a repeatable "Key: value" flag.
type Headers struct {
	values []string
}

// String returns the string representation of the flag value.
func (h *Headers) String() string {
	return strings.Join(h.values, ",")
}

// Set validates and appends one header.
func (h *Headers) Set(value string) error {
	if _, _, ok := split(value); !ok {
		return fmt.Errorf("invalid header %q (want Key: value)", value)
	}
	h.values = append(h.values, value)
	return nil
}

// Type specifies the type label for Cobra flags.
func (h *Headers) Type() string {
	return "header"
}

// HTTP returns the headers as an http.Header. Repeated keys accumulate.
func (h *Headers) HTTP() http.Header {
	out := make(http.Header, len(h.values))
	for _, v := range h.values {
		key, value, _ := split(v)
		out.Add(key, value)
	}
	return out
}

func split(s string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(s, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}
