// Package cliconfig resolves the configuration of the wsecho CLI.
//
// Values are layered with the following precedence (highest to lowest):
//
//  1. Command-line flags
//  2. Environment variables (WSECHO_* prefix)
//  3. YAML config file (--config, WSECHO_CONFIG or ./wsecho.yaml)
//  4. Default values
//
// The source of every value is tracked so `wsecho config` can explain where a
// setting came from.
//
// Key functions:
//
//   - Load: Loads and merges configuration from all sources
//   - LoadEnv: Decodes WSECHO_* variables
//   - FindLocalConfig: Locates wsecho.yaml in the current directory
package cliconfig
