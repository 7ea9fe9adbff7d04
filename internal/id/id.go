package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HandlePrefix prefixes every connection handle.
const HandlePrefix = "conn-"

// Handle returns a new connection handle ("conn-" + UUIDv7).
// UUIDv7 generation only fails when the system random source fails; in that
// case a v4 UUID is used so a handle is always returned.
func Handle() string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return HandlePrefix + u.String()
}

// IsHandle reports whether s has the shape of a connection handle.
func IsHandle(s string) bool {
	rest, ok := strings.CutPrefix(s, HandlePrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// HandleTime extracts the creation time encoded in a UUIDv7 handle.
// The second return value is false for malformed or non-v7 handles.
func HandleTime(handle string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(handle, HandlePrefix)
	if !ok {
		return time.Time{}, false
	}
	u, err := uuid.Parse(rest)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// Short generates a short random hex ID (16 characters).
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
