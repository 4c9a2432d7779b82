package steps

import (
	"context"

	"github.com/specialistvlad/scenegrid/internal/model"
)

// SceneQuery selects a scene from a catalog.
type SceneQuery struct {
	Collection string
	Date       string
	Start      string
	End        string
	CloudMin   float64
	CloudMax   float64
	AOI        string
}

// Catalog finds and downloads scenes and auxiliary vector data.
type Catalog interface {
	// Fetch downloads the scene acquired on q.Date.
	Fetch(ctx context.Context, q SceneQuery) (model.Artifact, error)
	// Latest downloads the most recent scene within [q.Start, q.End].
	Latest(ctx context.Context, q SceneQuery) (model.Artifact, error)
	// Overlay returns a vector layer clipped to the AOI.
	Overlay(ctx context.Context, aoi model.Artifact, layer string) (model.Artifact, error)
}

// BandExtractor pulls individual bands out of a scene archive.
type BandExtractor interface {
	Extract(ctx context.Context, scene model.Artifact, bands []string) (model.Artifact, error)
}

// IndexCalculator computes a spectral index raster from extracted bands.
type IndexCalculator interface {
	Compute(ctx context.Context, kind IndexKind, bands model.Artifact) (model.Artifact, error)
}

// RenderOptions controls map rendering.
type RenderOptions struct {
	Tiles         string
	Padding       float64
	Clip          bool
	Upsample      float64
	SmoothRadius  float64
	Sharpen       bool
	SharpenRadius float64
	SharpenAmount float64
}

// Layer is one named index raster of a multi-index map.
type Layer struct {
	Name   string
	Raster model.Artifact
}

// LayerStyle colors the layers of a multi-index map. The value range is
// fixed only when FixedRange is set; otherwise each layer is stretched.
type LayerStyle struct {
	Colormap   string
	Opacity    float64
	FixedRange bool
	VMin       float64
	VMax       float64
}

// TrueColorOptions controls the RGB composite render.
type TrueColorOptions struct {
	RenderOptions
	StretchLower float64
	StretchUpper float64
	Saturation   float64
	Gamma        float64
	Balance      bool
}

// Renderer turns rasters into maps and tables. Every overlay argument may
// be the missing marker.
type Renderer interface {
	// Render draws one index raster.
	Render(ctx context.Context, index, overlay model.Artifact, opts RenderOptions) (model.Artifact, error)
	// RenderLayers draws several index rasters as switchable layers.
	RenderLayers(ctx context.Context, layers []Layer, overlay model.Artifact, opts RenderOptions, style LayerStyle) (model.Artifact, error)
	// RenderTrueColor draws the B04/B03/B02 composite of a band stack.
	RenderTrueColor(ctx context.Context, bands, overlay model.Artifact, opts TrueColorOptions) (model.Artifact, error)
	// RenderGallery draws every band of a stack side by side, stretched to
	// the [lower, upper] percentiles.
	RenderGallery(ctx context.Context, bands, overlay model.Artifact, lower, upper float64) (model.Artifact, error)
	// ExportCSV writes one row per finite pixel of an index raster: the
	// pixel centre coordinates and its value, under the given header.
	ExportCSV(ctx context.Context, index model.Artifact, columns []string) (model.Artifact, error)
}
