// Package util provides small helpers shared across the wealth score bot.
package util

import (
	"crypto/rand"
	mrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidOnce    sync.Once
	ulidMu      sync.Mutex
	ulidEntropy *ulid.MonotonicEntropy
)

// NewULID returns a lexicographically sortable identifier for users and sessions.
// It is safe for concurrent use.
func NewULID() string {
	ulidOnce.Do(func() {
		ulidEntropy = ulid.Monotonic(rand.Reader, 0)
	})
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulidEntropy).String()
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[mrand.IntN(16)])
	}

	return builder.String()
}
