package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

func Now() time.Time {
	return time.Now().UTC()
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

// Checksum returns the hex-encoded SHA-256 of content. Attachment checksums
// are computed before upload so later downloads can be verified.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
