package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/specialistvlad/scenegrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Version is the version every step in this package is registered at.
const Version = "1.0.0"

const dateLayout = "2006-01-02"

// Module registers the satellite steps against the given ports. Nil ports
// are allowed; nodes that need them fail at execution time.
type Module struct {
	Catalog    Catalog
	Extractor  BandExtractor
	Calculator IndexCalculator
	Renderer   Renderer
	Publisher  Publisher
}

// Register implements the registry.Module interface.
func (m Module) Register(r *registry.Registry) {
	r.Register(FetchScene(m.Catalog))
	r.Register(ResolveLatestScene(m.Catalog))
	r.Register(FetchOverlay(m.Catalog))
	r.Register(ExtractBands(m.Extractor))
	r.Register(ComputeIndex(m.Calculator))
	r.Register(RenderMap(m.Renderer))
	r.Register(RenderMultiIndex(m.Renderer))
	r.Register(RenderTrueColor(m.Renderer))
	r.Register(RenderBandGallery(m.Renderer))
	r.Register(ExportCSV(m.Renderer))
	r.Register(UploadArtifact(m.Publisher))
}

func unconfigured(port string) error {
	return errs.Permanentf("no %s configured", port)
}

// decode fills targets from p, leaving absent optional parameters alone.
func decode(p params.Set, targets map[string]any) error {
	for name, target := range targets {
		if _, ok := p.Get(name); !ok {
			continue
		}
		if err := p.Decode(name, target); err != nil {
			return err
		}
	}
	return nil
}

var queryParams = params.Schema{
	"collection": {Type: cty.String, Default: cty.StringVal("SENTINEL-2"), Description: "Catalog collection name."},
	"cloud_min":  {Type: cty.Number, Default: cty.NumberIntVal(0), Description: "Minimum cloud cover, percent."},
	"cloud_max":  {Type: cty.Number, Default: cty.NumberIntVal(30), Description: "Maximum cloud cover, percent."},
	"aoi":        {Type: cty.String, Optional: true, Description: "Area of interest as WKT or a catalog place name."},
}

func withQueryParams(extra params.Schema) params.Schema {
	out := make(params.Schema, len(queryParams)+len(extra))
	for k, v := range queryParams {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sceneQuery(p params.Set) (SceneQuery, error) {
	var q SceneQuery
	err := decode(p, map[string]any{
		"collection": &q.Collection,
		"date":       &q.Date,
		"start":      &q.Start,
		"end":        &q.End,
		"cloud_min":  &q.CloudMin,
		"cloud_max":  &q.CloudMax,
		"aoi":        &q.AOI,
	})
	return q, err
}

func (q SceneQuery) check() error {
	if q.CloudMin < 0 || q.CloudMax > 100 || q.CloudMin > q.CloudMax {
		return fmt.Errorf("cloud cover range [%v, %v] must lie within [0, 100]", q.CloudMin, q.CloudMax)
	}
	if q.Date != "" {
		if _, err := time.Parse(dateLayout, q.Date); err != nil {
			return fmt.Errorf("date %q is not YYYY-MM-DD", q.Date)
		}
	}
	if q.Start != "" || q.End != "" {
		start, err := time.Parse(dateLayout, q.Start)
		if err != nil {
			return fmt.Errorf("start %q is not YYYY-MM-DD", q.Start)
		}
		end, err := time.Parse(dateLayout, q.End)
		if err != nil {
			return fmt.Errorf("end %q is not YYYY-MM-DD", q.End)
		}
		if end.Before(start) {
			return fmt.Errorf("end %s is before start %s", q.End, q.Start)
		}
	}
	return nil
}

func checkQuery(p params.Set) error {
	q, err := sceneQuery(p)
	if err != nil {
		return err
	}
	return q.check()
}

// FetchScene downloads the scene acquired on a given date.
func FetchScene(c Catalog) *model.Step {
	return &model.Step{
		Identity:    model.Identity{Name: "fetch_scene", Version: Version},
		Description: "Downloads the scene acquired on a date.",
		Outputs:     []model.Port{{Name: "scene", Type: "scene"}},
		Params: withQueryParams(params.Schema{
			"date": {Type: cty.String, Description: "Acquisition date, YYYY-MM-DD."},
		}),
		Check: checkQuery,
		Compute: model.ComputeFunc(func(ctx context.Context, _ model.Inputs, p params.Set) (model.Outputs, error) {
			if c == nil {
				return nil, unconfigured("catalog")
			}
			q, err := sceneQuery(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			scene, err := c.Fetch(ctx, q)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"scene": scene}, nil
		}),
	}
}

// ResolveLatestScene downloads the newest scene in a date window. Its
// result changes as the catalog grows, so it is never cached.
func ResolveLatestScene(c Catalog) *model.Step {
	return &model.Step{
		Identity:     model.Identity{Name: "resolve_latest_scene", Version: Version},
		Description:  "Downloads the most recent scene within a date window.",
		Outputs:      []model.Port{{Name: "scene", Type: "scene"}},
		NonCacheable: true,
		Params: withQueryParams(params.Schema{
			"start": {Type: cty.String, Description: "Window start, YYYY-MM-DD."},
			"end":   {Type: cty.String, Description: "Window end, YYYY-MM-DD."},
		}),
		Check: checkQuery,
		Compute: model.ComputeFunc(func(ctx context.Context, _ model.Inputs, p params.Set) (model.Outputs, error) {
			if c == nil {
				return nil, unconfigured("catalog")
			}
			q, err := sceneQuery(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			scene, err := c.Latest(ctx, q)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"scene": scene}, nil
		}),
	}
}

// FetchOverlay fetches a vector layer for the area of interest.
func FetchOverlay(c Catalog) *model.Step {
	return &model.Step{
		Identity:    model.Identity{Name: "fetch_overlay", Version: Version},
		Description: "Fetches a vector overlay clipped to the area of interest.",
		Inputs:      []model.Port{{Name: "aoi", Type: "geojson"}},
		Outputs:     []model.Port{{Name: "overlay", Type: "geojson"}},
		Params: params.Schema{
			"layer": {Type: cty.String, Default: cty.StringVal("boundaries"), Description: "Overlay layer name."},
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if c == nil {
				return nil, unconfigured("catalog")
			}
			var layer string
			if err := p.Decode("layer", &layer); err != nil {
				return nil, errs.Permanent(err)
			}
			overlay, err := c.Overlay(ctx, in["aoi"], layer)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"overlay": overlay}, nil
		}),
	}
}

// ExtractBands pulls the requested bands out of a scene.
func ExtractBands(x BandExtractor) *model.Step {
	defaults := make([]cty.Value, len(DefaultBands))
	for i, b := range DefaultBands {
		defaults[i] = cty.StringVal(b)
	}
	return &model.Step{
		Identity:    model.Identity{Name: "extract_bands", Version: Version},
		Description: "Extracts bands from a scene archive.",
		Inputs:      []model.Port{{Name: "scene", Type: "scene"}},
		Outputs:     []model.Port{{Name: "bands", Type: "bands"}},
		Params: params.Schema{
			"bands": {Type: cty.List(cty.String), Default: cty.ListVal(defaults), Description: "Sentinel-2 band codes."},
		},
		Check: func(p params.Set) error {
			var bands []string
			if err := p.Decode("bands", &bands); err != nil {
				return err
			}
			return CheckBands(bands)
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if x == nil {
				return nil, unconfigured("band extractor")
			}
			var bands []string
			if err := p.Decode("bands", &bands); err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := x.Extract(ctx, in["scene"], bands)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"bands": out}, nil
		}),
	}
}

// ComputeIndex computes one spectral index.
func ComputeIndex(calc IndexCalculator) *model.Step {
	kindOf := func(p params.Set) (IndexKind, error) {
		var name string
		if err := p.Decode("kind", &name); err != nil {
			return IndexKind{}, err
		}
		return LookupIndex(name)
	}
	return &model.Step{
		Identity:    model.Identity{Name: "compute_index", Version: Version},
		Description: "Computes a spectral index raster.",
		Inputs:      []model.Port{{Name: "bands", Type: "bands"}},
		Outputs:     []model.Port{{Name: "index", Type: "raster"}},
		Params: params.Schema{
			"kind": {Type: cty.String, Description: "Index name, such as ndvi."},
		},
		Check: func(p params.Set) error {
			_, err := kindOf(p)
			return err
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if calc == nil {
				return nil, unconfigured("index calculator")
			}
			kind, err := kindOf(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := calc.Compute(ctx, kind, in["bands"])
			if err != nil {
				return nil, err
			}
			return model.Outputs{"index": out}, nil
		}),
	}
}
