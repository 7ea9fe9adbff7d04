package cliconfig

import (
	"sort"

	"github.com/getmockd/wsecho/pkg/config"
)

// Config source identifiers.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

// Resolved is a fully merged configuration.
type Resolved struct {
	Config *config.ServerConfig
	// ConfigFile is the YAML file that was loaded, if any.
	ConfigFile string
	// Sources maps dotted keys ("port", "idle.reader") to the layer that set
	// them. Keys absent from the map hold their default.
	Sources map[string]string
}

// Source returns the layer that set key.
func (r *Resolved) Source(key string) string {
	if s, ok := r.Sources[key]; ok {
		return s
	}
	return SourceDefault
}

// Entry is one key with its source.
type Entry struct {
	Key    string
	Source string
}

// Overridden returns the non-default keys sorted by name.
func (r *Resolved) Overridden() []Entry {
	entries := make([]Entry, 0, len(r.Sources))
	for k, s := range r.Sources {
		entries = append(entries, Entry{Key: k, Source: s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Override is a value set by a command-line flag.
type Override struct {
	Key   string
	Apply func(*config.ServerConfig)
}
