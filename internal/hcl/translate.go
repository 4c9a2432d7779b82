package hcl

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

var rootSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "required"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "external", LabelNames: []string{"name"}},
		{Type: "step", LabelNames: []string{"name"}},
	},
}

type externalBody struct {
	Description string `hcl:"description,optional"`
}

type stepBody struct {
	Uses       string            `hcl:"uses"`
	Version    string            `hcl:"version,optional"`
	Params     hcl.Expression    `hcl:"params,optional"`
	Inputs     map[string]string `hcl:"inputs,optional"`
	BestEffort []string          `hcl:"best_effort,optional"`
	Publish    map[string]string `hcl:"publish,optional"`
}

// translateFile decodes one file body into a partial definition.
func translateFile(body hcl.Body) (*config.Definition, error) {
	content, diags := body.Content(rootSchema)
	if diags.HasErrors() {
		return nil, diags
	}

	def := &config.Definition{}
	if attr, ok := content.Attributes["required"]; ok {
		diags = gohcl.DecodeExpression(attr.Expr, nil, &def.Required)
		if err := diagError(diags); err != nil {
			return nil, err
		}
	}

	for _, block := range content.Blocks {
		switch block.Type {
		case "external":
			ext, err := translateExternal(block)
			if err != nil {
				return nil, err
			}
			def.Externals = append(def.Externals, ext)
		case "step":
			step, err := translateStep(block)
			if err != nil {
				return nil, err
			}
			def.Steps = append(def.Steps, step)
		}
	}
	return def, nil
}

func translateExternal(block *hcl.Block) (*config.External, error) {
	var b externalBody
	if err := diagError(gohcl.DecodeBody(block.Body, nil, &b)); err != nil {
		return nil, err
	}
	return &config.External{
		Name:        block.Labels[0],
		Description: b.Description,
		Source:      block.DefRange.String(),
	}, nil
}

// translateStep converts a step block into the agnostic model.
func translateStep(block *hcl.Block) (*config.Step, error) {
	var b stepBody
	if err := diagError(gohcl.DecodeBody(block.Body, nil, &b)); err != nil {
		return nil, err
	}

	params := cty.NilVal
	if b.Params != nil {
		v, diags := b.Params.Value(nil)
		if err := diagError(diags); err != nil {
			return nil, err
		}
		if !v.IsNull() {
			params = v
		}
	}

	return &config.Step{
		Name:       block.Labels[0],
		Uses:       b.Uses,
		Version:    b.Version,
		Params:     params,
		Inputs:     b.Inputs,
		BestEffort: b.BestEffort,
		Publish:    b.Publish,
		Source:     block.DefRange.String(),
	}, nil
}
