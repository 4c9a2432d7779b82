package config

import "context"

// Loader is the interface for a format-specific definition loader.
type Loader interface {
	// Load reads every definition file under the given paths and merges
	// them into one Definition.
	Load(ctx context.Context, paths ...string) (*Definition, error)
}
