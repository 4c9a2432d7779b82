// Package hcl loads pipeline definitions written in HCL into the
// format-agnostic config.Definition.
//
// A path may name a single .hcl file or a directory; directories are walked
// recursively and every .hcl file found is merged into one definition.
// Parameter values are literal HCL expressions evaluated without variables,
// so the resulting cty values are wholly known.
package hcl
