// Package util holds tiny helpers shared across services.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "msg_56c3f8...". The prefix
// tells log readers what kind of record the id names; an empty prefix
// yields the bare hex string.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
