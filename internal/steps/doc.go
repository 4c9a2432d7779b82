// Package steps registers the satellite imagery step kinds: scene fetching
// and resolution, band extraction, spectral index computation and map
// rendering.
//
// The steps own parameter schemas and validation. The actual raster work is
// delegated to ports (Catalog, BandExtractor, IndexCalculator, Renderer)
// supplied by the embedding application; an unconfigured port fails its
// node permanently.
package steps
