// Package registry maps the stable step keys used in pipeline definitions
// (e.g. "extract_bands") to the compiled Step declarations that implement
// them.
//
// The registry is populated once at startup by Modules. Lookups during DAG
// construction fail closed: an unknown key, or a definition pinning a
// version the registry does not hold, is a validation error rather than a
// silent fallback.
package registry
