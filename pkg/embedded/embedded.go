// Package embedded carries data files compiled into the binary.
package embedded

import (
	_ "embed"
)

// DefaultDestinationsYAML is the destination registry used when no
// DESTINATIONS_FILE is configured: a single SuperDirt target on the
// standard sclang port.
//
//go:embed data/destinations.yaml
var DefaultDestinationsYAML []byte
