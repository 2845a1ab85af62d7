// Package utils holds small validation helpers shared across the
// transport and ingress surfaces that don't warrant their own package.
package utils

// IsValidAgentName reports whether an agent id meets the basic shape the
// websocket upgrade requires before admitting an agent: non-empty and no
// longer than 64 characters. The register frame and the NATS bridge do
// not call it.
func IsValidAgentName(name string) bool {
	return len(name) > 0 && len(name) <= 64
}
