// Package util provides small helpers shared across the server.
package util

import (
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// GenID returns an opaque identifier with the given resource prefix,
// e.g. GenID("gst") -> "gst_mGbqcVnMVGUKyChsLYoFSf".
func GenID(prefix string) string {
	return prefix + "_" + shortuuid.New()
}

// GenUUID returns a random UUID v4 string. Used for socket session and
// connection identifiers where an opaque prefixed id is not required.
func GenUUID() string {
	return uuid.New().String()
}
