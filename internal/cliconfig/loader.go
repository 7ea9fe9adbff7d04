package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/getmockd/wsecho/pkg/config"
)

// LocalConfigFileName is looked up in the working directory when no config
// file is named.
const LocalConfigFileName = "wsecho.yaml"

// FindLocalConfig returns the path of wsecho.yaml in the current directory,
// or "" if there is none.
func FindLocalConfig() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	path := filepath.Join(cwd, LocalConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check local config: %w", err)
	}
	return "", nil
}

// Load merges defaults, the config file, the environment and flags into one
// validated configuration. configFile is the --config flag value and wins
// over WSECHO_CONFIG and the local wsecho.yaml.
func Load(configFile string, flags ...Override) (*Resolved, error) {
	res := &Resolved{
		Config:  config.DefaultServerConfig(),
		Sources: make(map[string]string),
	}

	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	path, source := configFile, SourceFlag
	if path == "" && env.Config != "" {
		path, source = env.Config, SourceEnv
	}
	if path == "" {
		if path, err = FindLocalConfig(); err != nil {
			return nil, err
		}
		source = SourceFile
	}

	if path != "" {
		cfg, keys, err := config.LoadFileKeys(path)
		if err != nil {
			return nil, err
		}
		res.Config = cfg
		res.ConfigFile = path
		res.Sources["configFile"] = source
		for _, k := range keys {
			res.Sources[k] = SourceFile
		}
	}

	env.Apply(res.Config, res.Sources)

	for _, o := range flags {
		o.Apply(res.Config)
		res.Sources[o.Key] = SourceFlag
	}

	if err := res.Config.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}
