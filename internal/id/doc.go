// Package id provides identifier generation for wsecho.
//
// Connection handles are the registry key for every upgraded session, so they
// must be unique for the lifetime of the process and cheap to compare. They
// are built from UUID version 7 values, which embed a millisecond timestamp
// and therefore sort in creation order:
//
//	conn-01923f6e-8a4c-7b3e-9c1d-5e2f3a4b5c6d
//
// Short IDs are 16 hex characters and are only used to correlate log lines
// (for example a single broadcast across many sessions).
package id
