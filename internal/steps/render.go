package steps

import (
	"context"
	"fmt"
	"strconv"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/zclconf/go-cty/cty"
)

// MaxLayers is the number of index inputs render_multi_index declares.
const MaxLayers = 8

func renderOptions(p params.Set) (RenderOptions, error) {
	var o RenderOptions
	err := decode(p, map[string]any{
		"tiles":          &o.Tiles,
		"padding":        &o.Padding,
		"clip":           &o.Clip,
		"upsample":       &o.Upsample,
		"smooth_radius":  &o.SmoothRadius,
		"sharpen":        &o.Sharpen,
		"sharpen_radius": &o.SharpenRadius,
		"sharpen_amount": &o.SharpenAmount,
	})
	return o, err
}

func mapParams(extra params.Schema) params.Schema {
	out := params.Schema{
		"tiles":          {Type: cty.String, Default: cty.StringVal("none"), Description: "Base map tiles."},
		"padding":        {Type: cty.Number, Default: cty.NumberFloatVal(0.3), Description: "Envelope padding factor."},
		"clip":           {Type: cty.Bool, Default: cty.True, Description: "Clip the raster to the overlay."},
		"upsample":       {Type: cty.Number, Default: cty.NumberIntVal(12), Description: "Upsample factor before smoothing."},
		"smooth_radius":  {Type: cty.Number, Default: cty.NumberFloatVal(1.0), Description: "Gaussian smoothing radius."},
		"sharpen":        {Type: cty.Bool, Default: cty.True, Description: "Apply an unsharp mask."},
		"sharpen_radius": {Type: cty.Number, Default: cty.NumberFloatVal(1.2)},
		"sharpen_amount": {Type: cty.Number, Default: cty.NumberFloatVal(1.5)},
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (o RenderOptions) check() error {
	switch {
	case o.Padding < 0:
		return fmt.Errorf("padding must not be negative")
	case o.Upsample < 1:
		return fmt.Errorf("upsample must be at least 1")
	case o.SmoothRadius < 0 || o.SharpenRadius < 0:
		return fmt.Errorf("radii must not be negative")
	}
	return nil
}

// RenderMap renders an index raster, with an optional vector overlay.
func RenderMap(r Renderer) *model.Step {
	return &model.Step{
		Identity:    model.Identity{Name: "render_map", Version: Version},
		Description: "Renders an index raster as a map.",
		Inputs: []model.Port{
			{Name: "index", Type: "raster"},
			{Name: "overlay", Type: "geojson", Optional: true},
		},
		Outputs:          []model.Port{{Name: "map", Type: "html"}},
		ToleratesMissing: true,
		Params:           mapParams(nil),
		Check: func(p params.Set) error {
			o, err := renderOptions(p)
			if err != nil {
				return err
			}
			return o.check()
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if r == nil {
				return nil, unconfigured("renderer")
			}
			if in["index"].IsMissing() {
				return nil, errs.Permanentf("render_map requires an index raster")
			}
			opts, err := renderOptions(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := r.Render(ctx, in["index"], in["overlay"], opts)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"map": out}, nil
		}),
	}
}

// layerPort names the i-th index input of render_multi_index, from 1.
func layerPort(i int) string { return "index_" + strconv.Itoa(i) }

func layerStyle(p params.Set) (LayerStyle, []string, error) {
	var s LayerStyle
	var labels []string
	err := decode(p, map[string]any{
		"colormap": &s.Colormap,
		"opacity":  &s.Opacity,
		"vmin":     &s.VMin,
		"vmax":     &s.VMax,
		"labels":   &labels,
	})
	if err != nil {
		return s, nil, err
	}
	_, hasMin := p.Get("vmin")
	_, hasMax := p.Get("vmax")
	switch {
	case hasMin != hasMax:
		return s, nil, fmt.Errorf("vmin and vmax must be set together")
	case hasMin && s.VMin >= s.VMax:
		return s, nil, fmt.Errorf("vmin %v must be below vmax %v", s.VMin, s.VMax)
	case s.Opacity < 0 || s.Opacity > 1:
		return s, nil, fmt.Errorf("opacity %v must lie within [0, 1]", s.Opacity)
	case len(labels) > MaxLayers:
		return s, nil, fmt.Errorf("%d labels given for at most %d layers", len(labels), MaxLayers)
	}
	s.FixedRange = hasMin
	return s, labels, nil
}

// RenderMultiIndex renders up to MaxLayers index rasters, bound to
// index_1 … index_N, as switchable layers of one map. Unbound or failed
// inputs are left out; at least one layer must remain.
func RenderMultiIndex(r Renderer) *model.Step {
	inputs := make([]model.Port, 0, MaxLayers+1)
	for i := 1; i <= MaxLayers; i++ {
		inputs = append(inputs, model.Port{Name: layerPort(i), Type: "raster", Optional: true})
	}
	inputs = append(inputs, model.Port{Name: "overlay", Type: "geojson", Optional: true})

	return &model.Step{
		Identity:         model.Identity{Name: "render_multi_index", Version: Version},
		Description:      "Renders several index rasters as layers of one map.",
		Inputs:           inputs,
		Outputs:          []model.Port{{Name: "map", Type: "html"}},
		ToleratesMissing: true,
		Params: mapParams(params.Schema{
			"colormap": {Type: cty.String, Default: cty.StringVal("RdYlGn"), Description: "Matplotlib colormap name."},
			"opacity":  {Type: cty.Number, Default: cty.NumberFloatVal(0.75), Description: "Layer opacity."},
			"vmin":     {Type: cty.Number, Optional: true, Description: "Fixed lower bound of the color scale."},
			"vmax":     {Type: cty.Number, Optional: true, Description: "Fixed upper bound of the color scale."},
			"labels":   {Type: cty.List(cty.String), Optional: true, Description: "Layer names, in input order."},
		}),
		Check: func(p params.Set) error {
			o, err := renderOptions(p)
			if err != nil {
				return err
			}
			if err := o.check(); err != nil {
				return err
			}
			_, _, err = layerStyle(p)
			return err
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if r == nil {
				return nil, unconfigured("renderer")
			}
			opts, err := renderOptions(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			style, labels, err := layerStyle(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}

			var layers []Layer
			for i := 1; i <= MaxLayers; i++ {
				a := in[layerPort(i)]
				if a.IsMissing() {
					continue
				}
				name := layerPort(i)
				if i <= len(labels) && labels[i-1] != "" {
					name = labels[i-1]
				}
				layers = append(layers, Layer{Name: name, Raster: a})
			}
			if len(layers) == 0 {
				return nil, errs.Permanentf("render_multi_index requires at least one index raster")
			}
			ctxlog.FromContext(ctx).Debug("Rendering index layers.", "layers", len(layers))

			out, err := r.RenderLayers(ctx, layers, in["overlay"], opts, style)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"map": out}, nil
		}),
	}
}

func trueColorOptions(p params.Set) (TrueColorOptions, error) {
	o := TrueColorOptions{}
	base, err := renderOptions(p)
	if err != nil {
		return o, err
	}
	o.RenderOptions = base
	err = decode(p, map[string]any{
		"stretch_lower":   &o.StretchLower,
		"stretch_upper":   &o.StretchUpper,
		"saturation":      &o.Saturation,
		"gamma":           &o.Gamma,
		"channel_balance": &o.Balance,
	})
	return o, err
}

func checkStretch(lower, upper float64) error {
	if lower < 0 || upper > 100 || lower >= upper {
		return fmt.Errorf("stretch percentiles [%v, %v] must be increasing within [0, 100]", lower, upper)
	}
	return nil
}

// RenderTrueColor renders the natural color composite of a band stack.
func RenderTrueColor(r Renderer) *model.Step {
	return &model.Step{
		Identity:    model.Identity{Name: "render_truecolor", Version: Version},
		Description: "Renders the B04/B03/B02 composite of a band stack as a map.",
		Inputs: []model.Port{
			{Name: "bands", Type: "bands"},
			{Name: "overlay", Type: "geojson", Optional: true},
		},
		Outputs:          []model.Port{{Name: "map", Type: "html"}},
		ToleratesMissing: true,
		Params: params.Schema{
			"tiles":           {Type: cty.String, Default: cty.StringVal("CartoDB positron"), Description: "Base map tiles."},
			"padding":         {Type: cty.Number, Default: cty.NumberFloatVal(0.3), Description: "Envelope padding factor."},
			"smooth_radius":   {Type: cty.Number, Default: cty.NumberFloatVal(0.8), Description: "Gaussian smoothing radius."},
			"sharpen":         {Type: cty.Bool, Default: cty.False, Description: "Apply an unsharp mask."},
			"sharpen_radius":  {Type: cty.Number, Default: cty.NumberFloatVal(1.0)},
			"sharpen_amount":  {Type: cty.Number, Default: cty.NumberFloatVal(1.2)},
			"stretch_lower":   {Type: cty.Number, Default: cty.NumberFloatVal(1.0), Description: "Lower stretch percentile."},
			"stretch_upper":   {Type: cty.Number, Default: cty.NumberFloatVal(99.0), Description: "Upper stretch percentile."},
			"saturation":      {Type: cty.Number, Default: cty.NumberFloatVal(1.2), Description: "Saturation boost factor."},
			"gamma":           {Type: cty.Number, Default: cty.NumberFloatVal(0.95), Description: "Gamma correction."},
			"channel_balance": {Type: cty.Bool, Default: cty.True, Description: "Balance channel means before stretching."},
		},
		Check: func(p params.Set) error {
			o, err := trueColorOptions(p)
			switch {
			case err != nil:
				return err
			case o.Padding < 0:
				return fmt.Errorf("padding must not be negative")
			case o.SmoothRadius < 0 || o.SharpenRadius < 0:
				return fmt.Errorf("radii must not be negative")
			case o.Gamma <= 0:
				return fmt.Errorf("gamma must be positive")
			case o.Saturation < 0:
				return fmt.Errorf("saturation must not be negative")
			}
			return checkStretch(o.StretchLower, o.StretchUpper)
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if r == nil {
				return nil, unconfigured("renderer")
			}
			if in["bands"].IsMissing() {
				return nil, errs.Permanentf("render_truecolor requires a band stack")
			}
			opts, err := trueColorOptions(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := r.RenderTrueColor(ctx, in["bands"], in["overlay"], opts)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"map": out}, nil
		}),
	}
}

// RenderBandGallery renders every band of a stack as a stretched image.
func RenderBandGallery(r Renderer) *model.Step {
	stretch := func(p params.Set) (lower, upper float64, err error) {
		err = decode(p, map[string]any{"stretch_lower": &lower, "stretch_upper": &upper})
		return lower, upper, err
	}
	return &model.Step{
		Identity:    model.Identity{Name: "render_band_gallery", Version: Version},
		Description: "Renders each band of a stack as a gallery page.",
		Inputs: []model.Port{
			{Name: "bands", Type: "bands"},
			{Name: "overlay", Type: "geojson", Optional: true},
		},
		Outputs:          []model.Port{{Name: "gallery", Type: "html"}},
		ToleratesMissing: true,
		Params: params.Schema{
			"stretch_lower": {Type: cty.Number, Default: cty.NumberFloatVal(2.0), Description: "Lower stretch percentile."},
			"stretch_upper": {Type: cty.Number, Default: cty.NumberFloatVal(98.0), Description: "Upper stretch percentile."},
		},
		Check: func(p params.Set) error {
			lower, upper, err := stretch(p)
			if err != nil {
				return err
			}
			return checkStretch(lower, upper)
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if r == nil {
				return nil, unconfigured("renderer")
			}
			if in["bands"].IsMissing() {
				return nil, errs.Permanentf("render_band_gallery requires a band stack")
			}
			lower, upper, err := stretch(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := r.RenderGallery(ctx, in["bands"], in["overlay"], lower, upper)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"gallery": out}, nil
		}),
	}
}

// ExportCSV writes an index raster as a coordinate/value table.
func ExportCSV(r Renderer) *model.Step {
	columnsOf := func(p params.Set) ([]string, error) {
		var columns []string
		if err := p.Decode("columns", &columns); err != nil {
			return nil, err
		}
		if len(columns) != 3 {
			return nil, fmt.Errorf("columns must name longitude, latitude and value, got %d names", len(columns))
		}
		seen := make(map[string]bool, 3)
		for _, c := range columns {
			if c == "" || seen[c] {
				return nil, fmt.Errorf("column names must be distinct and non-empty, got %q", columns)
			}
			seen[c] = true
		}
		return columns, nil
	}
	return &model.Step{
		Identity:    model.Identity{Name: "export_csv", Version: Version},
		Description: "Exports the finite pixels of an index raster as CSV.",
		Inputs:      []model.Port{{Name: "index", Type: "raster"}},
		Outputs:     []model.Port{{Name: "table", Type: "csv"}},
		Params: params.Schema{
			"columns": {
				Type:        cty.List(cty.String),
				Default:     cty.ListVal([]cty.Value{cty.StringVal("longitude"), cty.StringVal("latitude"), cty.StringVal("value")}),
				Description: "Header row: longitude, latitude and value column names.",
			},
		},
		Check: func(p params.Set) error {
			_, err := columnsOf(p)
			return err
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if r == nil {
				return nil, unconfigured("renderer")
			}
			columns, err := columnsOf(p)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			out, err := r.ExportCSV(ctx, in["index"], columns)
			if err != nil {
				return nil, err
			}
			return model.Outputs{"table": out}, nil
		}),
	}
}
