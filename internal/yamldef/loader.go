// Package yamldef loads pipeline definitions written in YAML. Every document
// is checked against an embedded JSON schema before it is decoded, so
// structural mistakes are reported with their JSON pointer instead of as Go
// decoding errors.
//
//	required: [ndvi_map]
//	externals:
//	  - name: aoi
//	steps:
//	  - name: fetch
//	    uses: fetch_scene
//	    params: {date: "2025-01-10", cloud_max: 30}
//	  - name: render
//	    uses: render_map
//	    inputs: {index: ndvi.index}
//	    publish: {map: ndvi_map}
package yamldef

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/fsutil"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

//go:embed definition.schema.json
var schemaJSON string

const schemaURL = "scenegrid://definition.schema.json"

var extensions = []string{".yaml", ".yml"}

// Loader is the YAML implementation of config.Loader.
type Loader struct {
	schema *jsonschema.Schema
}

var _ config.Loader = (*Loader)(nil)

// NewLoader compiles the embedded definition schema.
func NewLoader() (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("failed to add definition schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}
	return &Loader{schema: schema}, nil
}

type document struct {
	Required  []string      `yaml:"required"`
	Externals []externalDoc `yaml:"externals"`
	Steps     []stepDoc     `yaml:"steps"`
}

type externalDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	line        int
}

type stepDoc struct {
	Name       string            `yaml:"name"`
	Uses       string            `yaml:"uses"`
	Version    string            `yaml:"version"`
	Params     map[string]any    `yaml:"params"`
	Inputs     map[string]string `yaml:"inputs"`
	BestEffort []string          `yaml:"best_effort"`
	Publish    map[string]string `yaml:"publish"`
	line       int
}

func (e *externalDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain externalDoc
	if err := n.Decode((*plain)(e)); err != nil {
		return err
	}
	e.line = n.Line
	return nil
}

func (s *stepDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain stepDoc
	if err := n.Decode((*plain)(s)); err != nil {
		return err
	}
	s.line = n.Line
	return nil
}

// Load reads every .yaml and .yml file under paths and merges them.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Definition, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "path_count", len(paths))

	files, err := fsutil.Expand(paths, extensions...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in %v", paths)
	}

	def := &config.Definition{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		part, err := l.Parse(data, file)
		if err != nil {
			return nil, err
		}
		if err := def.Merge(part); err != nil {
			return nil, err
		}
	}
	logger.Debug("YAML loading complete.", "files", len(files), "steps", len(def.Steps))
	return def, nil
}

// Parse validates and decodes a single YAML document. filename is only used
// in error messages and source locations.
func (l *Loader) Parse(data []byte, filename string) (*config.Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file %s: %w", filename, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := l.validate(raw); err != nil {
		return nil, fmt.Errorf("%s does not match the definition schema: %w", filename, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}
	return translate(&doc, filename)
}

// validate runs the schema over raw after a JSON round trip, which turns
// YAML scalars into the types the validator expects.
func (l *Loader) validate(raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return l.schema.Validate(v)
}

func translate(doc *document, filename string) (*config.Definition, error) {
	def := &config.Definition{Required: doc.Required}
	for _, e := range doc.Externals {
		def.Externals = append(def.Externals, &config.External{
			Name:        e.Name,
			Description: e.Description,
			Source:      fmt.Sprintf("%s:%d", filename, e.line),
		})
	}
	for _, s := range doc.Steps {
		p := cty.NilVal
		if s.Params != nil {
			v, err := params.FromGo(s.Params)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: step %q params: %w", filename, s.line, s.Name, err)
			}
			p = v
		}
		def.Steps = append(def.Steps, &config.Step{
			Name:       s.Name,
			Uses:       s.Uses,
			Version:    s.Version,
			Params:     p,
			Inputs:     s.Inputs,
			BestEffort: s.BestEffort,
			Publish:    s.Publish,
			Source:     fmt.Sprintf("%s:%d", filename, s.line),
		})
	}
	return def, nil
}
