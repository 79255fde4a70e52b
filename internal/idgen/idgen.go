// Package idgen mints the order and request identifiers used across the
// gateway: a short hex suffix (uuid.New().String()[:8]) paired with a
// unix-second prefix so order ids sort and are grep-friendly in logs.
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderID mints an id of the form ord_{unix_s}_{random8hex}.
func OrderID(now time.Time) string {
	return fmt.Sprintf("ord_%d_%s", now.Unix(), uuid.New().String()[:8])
}

// RequestID mints an 8-hex-character id for HTTP request correlation.
func RequestID() string {
	return uuid.New().String()[:8]
}
