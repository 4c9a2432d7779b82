// Package config defines the format-agnostic pipeline definition model and
// the Loader interface that format-specific packages (HCL, YAML) implement.
//
// A Definition is the single input of dag.Build; nothing downstream knows
// which file format it came from.
package config
