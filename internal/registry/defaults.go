package registry

import _ "embed"

//go:embed default_types.yaml
var defaultTypes []byte

// Defaults returns the built-in descriptors used when no types file is configured.
func Defaults() ([]Descriptor, error) {
	return Parse(defaultTypes)
}
