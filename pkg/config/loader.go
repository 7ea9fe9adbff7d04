package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// ConfigError is a configuration file error with location info.
type ConfigError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// LoadFile reads a YAML configuration file. Fields missing from the file keep
// their default values. The result is validated.
func LoadFile(path string) (*ServerConfig, error) {
	cfg, _, err := LoadFileKeys(path)
	return cfg, err
}

// LoadFileKeys is LoadFile that also returns the dotted keys present in the
// file ("port", "idle.reader", ...).
func LoadFileKeys(path string) (*ServerConfig, []string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, &ConfigError{Path: path, Message: ErrEmptyFile.Error(), Err: ErrEmptyFile}
	}

	cfg, keys, err := Parse(data)
	if err != nil {
		ce := &ConfigError{Path: path, Message: err.Error(), Err: err}
		if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
			ce.Line, _ = strconv.Atoi(m[1])
		}
		var ve *ValidationError
		if errors.As(err, &ve) {
			ce.Message = ve.Error()
		}
		return nil, nil, ce
	}
	return cfg, keys, nil
}

// Parse decodes YAML on top of DefaultServerConfig and validates the result.
func Parse(data []byte) (*ServerConfig, []string, error) {
	cfg := DefaultServerConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, collectKeys(&node, ""), nil
}

// ToYAML encodes cfg as YAML.
func ToYAML(cfg *ServerConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// collectKeys returns the dotted paths of all mapping keys with scalar or
// sequence values. Nested mappings contribute their children instead.
func collectKeys(n *yaml.Node, prefix string) []string {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return collectKeys(n.Content[0], prefix)
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}

	var keys []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		val := n.Content[i+1]
		if val.Kind == yaml.MappingNode {
			keys = append(keys, collectKeys(val, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
