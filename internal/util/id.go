package util

import (
	"crypto/rand"
	"encoding/hex"
)

// ID prefixes used across the service.
const (
	PrefixVersion   = "ver"
	PrefixEmbedding = "emb"
	PrefixJob       = "job"
	PrefixMaterial  = "mat"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
