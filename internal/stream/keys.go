package stream

import (
	"crypto/sha256"
	"encoding/hex"
)

// keySpace lays out every Redis key the bus touches under one prefix.
type keySpace struct {
	prefix string
}

func (k keySpace) stream(name string) string     { return k.prefix + ":stream:" + name }
func (k keySpace) sequence(name string) string   { return k.prefix + ":seq:" + name }
func (k keySpace) cursor(name string) string     { return k.prefix + ":cursor:" + name }
func (k keySpace) deadLetter(name string) string { return k.prefix + ":dlq:" + name }

// idempotency scopes a producer key to its event type and hashes it so that
// arbitrary producer keys stay short and safe.
func (k keySpace) idempotency(name, key string) string {
	sum := sha256.Sum256([]byte(name + "|" + key))
	return k.prefix + ":idem:" + name + ":" + hex.EncodeToString(sum[:])
}
