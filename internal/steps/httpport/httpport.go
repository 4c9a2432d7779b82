// Package httpport implements the satellite step ports against a remote
// processing service:
//
//	GET  {base}/scenes?date=…         scene archive
//	GET  {base}/scenes/latest?start=… newest scene in the window
//	POST {base}/overlays/{layer}      AOI GeoJSON in, overlay GeoJSON out
//	POST {base}/bands?bands=B04,B08   scene in, band stack out
//	POST {base}/indices/{kind}        band stack in, index raster out
//	POST {base}/maps?tiles=…          multipart index (+ overlay) in, map out
//	POST {base}/maps/layers?…         multipart layer parts (+ overlay) in, map out
//	POST {base}/maps/truecolor?…      multipart bands (+ overlay) in, map out
//	POST {base}/galleries?…           multipart bands (+ overlay) in, gallery out
//	POST {base}/tables/csv?columns=…  index raster in, CSV out
//	PUT  {pre-signed url}             artifact upload, outside {base}
//
// A response may carry a reference instead of a body: the X-Artifact-Ref
// header names the object and X-Content-Checksum its digest. Requests send
// reference artifacts the same way.
package httpport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/steps"
)

const (
	RefHeader      = "X-Artifact-Ref"
	ChecksumHeader = "X-Content-Checksum"
)

// Client is a processing service client. It implements every port in
// package steps.
type Client struct {
	base   string
	client *http.Client
}

var (
	_ steps.Catalog         = (*Client)(nil)
	_ steps.BandExtractor   = (*Client)(nil)
	_ steps.IndexCalculator = (*Client)(nil)
	_ steps.Renderer        = (*Client)(nil)
	_ steps.Publisher       = (*Client)(nil)
)

// New returns a client for baseURL. A nil client gets a default one with a
// ten minute timeout, since scene downloads are large.
func New(baseURL string, client *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing processing service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("processing service url %q must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// Module returns a steps.Module with every port served by c.
func (c *Client) Module() steps.Module {
	return steps.Module{Catalog: c, Extractor: c, Calculator: c, Renderer: c, Publisher: c}
}

func queryValues(q steps.SceneQuery) url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("collection", q.Collection)
	set("date", q.Date)
	set("start", q.Start)
	set("end", q.End)
	set("aoi", q.AOI)
	v.Set("cloud_min", strconv.FormatFloat(q.CloudMin, 'f', -1, 64))
	v.Set("cloud_max", strconv.FormatFloat(q.CloudMax, 'f', -1, 64))
	return v
}

func (c *Client) Fetch(ctx context.Context, q steps.SceneQuery) (model.Artifact, error) {
	return c.get(ctx, "/scenes", queryValues(q))
}

func (c *Client) Latest(ctx context.Context, q steps.SceneQuery) (model.Artifact, error) {
	return c.get(ctx, "/scenes/latest", queryValues(q))
}

func (c *Client) Overlay(ctx context.Context, aoi model.Artifact, layer string) (model.Artifact, error) {
	return c.post(ctx, "/overlays/"+url.PathEscape(layer), nil, aoi)
}

func (c *Client) Extract(ctx context.Context, scene model.Artifact, bands []string) (model.Artifact, error) {
	return c.post(ctx, "/bands", url.Values{"bands": {strings.Join(bands, ",")}}, scene)
}

func (c *Client) Compute(ctx context.Context, kind steps.IndexKind, bands model.Artifact) (model.Artifact, error) {
	return c.post(ctx, "/indices/"+url.PathEscape(kind.Name), url.Values{"bands": {strings.Join(kind.Bands, ",")}}, bands)
}

func renderValues(o steps.RenderOptions) url.Values {
	v := url.Values{}
	v.Set("tiles", o.Tiles)
	v.Set("padding", formatFloat(o.Padding))
	v.Set("clip", strconv.FormatBool(o.Clip))
	v.Set("upsample", formatFloat(o.Upsample))
	v.Set("smooth_radius", formatFloat(o.SmoothRadius))
	v.Set("sharpen", strconv.FormatBool(o.Sharpen))
	v.Set("sharpen_radius", formatFloat(o.SharpenRadius))
	v.Set("sharpen_amount", formatFloat(o.SharpenAmount))
	return v
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (c *Client) Render(ctx context.Context, index, overlay model.Artifact, o steps.RenderOptions) (model.Artifact, error) {
	return c.postParts(ctx, "/maps", renderValues(o), []part{{name: "index", a: index}, {name: "overlay", a: overlay}})
}

// RenderLayers sends one "layer" part per raster, named by the layer's
// file name, in order.
func (c *Client) RenderLayers(ctx context.Context, layers []steps.Layer, overlay model.Artifact, o steps.RenderOptions, s steps.LayerStyle) (model.Artifact, error) {
	v := renderValues(o)
	v.Set("colormap", s.Colormap)
	v.Set("opacity", formatFloat(s.Opacity))
	if s.FixedRange {
		v.Set("vmin", formatFloat(s.VMin))
		v.Set("vmax", formatFloat(s.VMax))
	}
	parts := make([]part, 0, len(layers)+1)
	for _, l := range layers {
		parts = append(parts, part{name: "layer", file: l.Name, a: l.Raster})
	}
	parts = append(parts, part{name: "overlay", a: overlay})
	return c.postParts(ctx, "/maps/layers", v, parts)
}

func (c *Client) RenderTrueColor(ctx context.Context, bands, overlay model.Artifact, o steps.TrueColorOptions) (model.Artifact, error) {
	v := renderValues(o.RenderOptions)
	v.Set("stretch_lower", formatFloat(o.StretchLower))
	v.Set("stretch_upper", formatFloat(o.StretchUpper))
	v.Set("saturation", formatFloat(o.Saturation))
	v.Set("gamma", formatFloat(o.Gamma))
	v.Set("channel_balance", strconv.FormatBool(o.Balance))
	return c.postParts(ctx, "/maps/truecolor", v, []part{{name: "bands", a: bands}, {name: "overlay", a: overlay}})
}

func (c *Client) RenderGallery(ctx context.Context, bands, overlay model.Artifact, lower, upper float64) (model.Artifact, error) {
	v := url.Values{"stretch_lower": {formatFloat(lower)}, "stretch_upper": {formatFloat(upper)}}
	return c.postParts(ctx, "/galleries", v, []part{{name: "bands", a: bands}, {name: "overlay", a: overlay}})
}

func (c *Client) ExportCSV(ctx context.Context, index model.Artifact, columns []string) (model.Artifact, error) {
	return c.post(ctx, "/tables/csv", url.Values{"columns": {strings.Join(columns, ",")}}, index)
}

type part struct {
	name string
	file string
	a    model.Artifact
}

// postParts POSTs the present artifacts as a multipart form. Missing
// artifacts are left out.
func (c *Client) postParts(ctx context.Context, path string, v url.Values, parts []part) (model.Artifact, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		if p.a.IsMissing() {
			continue
		}
		h := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf("form-data; name=%q", p.name)
		if p.file != "" {
			disposition += fmt.Sprintf("; filename=%q", p.file)
		}
		h.Set("Content-Disposition", disposition)
		h.Set("Content-Type", mediaType(p.a))
		if p.a.Kind() == model.KindRef {
			h.Set(RefHeader, p.a.Ref())
			h.Set(ChecksumHeader, string(p.a.Checksum()))
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			return model.Artifact{}, err
		}
		if _, err := w.Write(p.a.Bytes()); err != nil {
			return model.Artifact{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return model.Artifact{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, v), &body)
	if err != nil {
		return model.Artifact{}, errs.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

// Upload implements steps.Publisher with the client's HTTP settings.
func (c *Client) Upload(ctx context.Context, target string, a model.Artifact) (steps.Receipt, error) {
	return Uploader{client: c.client}.Upload(ctx, target, a)
}

// Uploader PUTs artifacts to pre-signed URLs. It needs no processing
// service.
type Uploader struct {
	client *http.Client
}

var _ steps.Publisher = Uploader{}

// NewUploader returns an Uploader. A nil client gets a default one.
func NewUploader(client *http.Client) Uploader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return Uploader{client: client}
}

// Upload PUTs a blob artifact to target. The receipt target drops the query
// string, which carries the signature. Reference artifacts cannot be
// uploaded.
func (u Uploader) Upload(ctx context.Context, target string, a model.Artifact) (steps.Receipt, error) {
	if a.Kind() != model.KindBlob {
		return steps.Receipt{}, errs.Permanentf("upload: artifact %s is not a blob", a)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(a.Bytes()))
	if err != nil {
		return steps.Receipt{}, errs.Permanent(err)
	}
	req.ContentLength = a.Size()
	req.Header.Set("Content-Type", mediaType(a))

	client := u.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return steps.Receipt{}, err
		}
		return steps.Receipt{}, errs.Transient(fmt.Errorf("upload to %s: %w", req.URL.Host, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("upload to %s: %s", req.URL.Host, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return steps.Receipt{}, errs.Transient(err)
		}
		return steps.Receipt{}, errs.Permanent(err)
	}
	return steps.Receipt{
		Target:   (&url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: req.URL.Path}).String(),
		Status:   resp.StatusCode,
		ETag:     resp.Header.Get("ETag"),
		Checksum: a.Checksum(),
		Size:     a.Size(),
	}, nil
}

func mediaType(a model.Artifact) string {
	if mt := a.MediaType(); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func (c *Client) url(path string, v url.Values) string {
	u := c.base + path
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, path string, v url.Values) (model.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, v), nil)
	if err != nil {
		return model.Artifact{}, errs.Permanent(err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, v url.Values, in model.Artifact) (model.Artifact, error) {
	if in.IsMissing() {
		return model.Artifact{}, errs.Permanentf("POST %s: input artifact is missing", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, v), bytes.NewReader(in.Bytes()))
	if err != nil {
		return model.Artifact{}, errs.Permanent(err)
	}
	req.Header.Set("Content-Type", mediaType(in))
	if in.Kind() == model.KindRef {
		req.Header.Set(RefHeader, in.Ref())
		req.Header.Set(ChecksumHeader, string(in.Checksum()))
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (model.Artifact, error) {
	logger := ctxlog.FromContext(req.Context())
	logger.Debug("Calling processing service.", "method", req.Method, "path", req.URL.Path)

	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return model.Artifact{}, err
		}
		return model.Artifact{}, errs.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return model.Artifact{}, errs.Transient(err)
		}
		return model.Artifact{}, errs.Permanent(err)
	}

	mt := resp.Header.Get("Content-Type")
	if ref := resp.Header.Get(RefHeader); ref != "" {
		a, err := model.NewRef(ref, model.Checksum(resp.Header.Get(ChecksumHeader)), mt)
		if err != nil {
			return model.Artifact{}, errs.Permanent(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
		}
		return a, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Artifact{}, errs.Transient(fmt.Errorf("%s %s: reading body: %w", req.Method, req.URL.Path, err))
	}
	logger.Debug("Processing service responded.", "path", req.URL.Path, "size", len(data))
	return model.NewBlob(data, mt), nil
}
