// Package idgen generates short, URL-safe identifiers backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ConnectionPrefix is prepended to every generated connection ID.
const ConnectionPrefix = "cn-"

// Alphabet is the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// InstancePrefix is prepended to every generated process instance ID.
const InstancePrefix = "ps-"

// Connection returns a new unique connection identifier.
func Connection() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return ConnectionPrefix + id, nil
}

// Instance returns a new unique process instance identifier. Each server
// process generates one at startup to recognize its own broker frames.
func Instance() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return InstancePrefix + id, nil
}
