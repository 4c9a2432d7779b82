package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/zclconf/go-cty/cty"
)

// Receipt describes a completed upload.
type Receipt struct {
	Target   string         `json:"target"`
	Status   int            `json:"status"`
	ETag     string         `json:"etag,omitempty"`
	Checksum model.Checksum `json:"checksum"`
	Size     int64          `json:"size"`
}

// Publisher delivers an artifact to a pre-signed object store URL.
type Publisher interface {
	Upload(ctx context.Context, target string, a model.Artifact) (Receipt, error)
}

// UploadArtifact PUTs its input to a pre-signed URL. Uploads are side
// effects, so the step is never cached.
func UploadArtifact(p Publisher) *model.Step {
	return &model.Step{
		Identity:     model.Identity{Name: "upload_artifact", Version: Version},
		Description:  "Uploads an artifact to a pre-signed object store URL.",
		Inputs:       []model.Port{{Name: "artifact", Type: "any"}},
		Outputs:      []model.Port{{Name: "receipt", Type: "json"}},
		NonCacheable: true,
		Params: params.Schema{
			"url": {Type: cty.String, Description: "Pre-signed http(s) PUT URL."},
		},
		Check: func(ps params.Set) error {
			var target string
			if err := ps.Decode("url", &target); err != nil {
				return err
			}
			return checkTarget(target)
		},
		Compute: model.ComputeFunc(func(ctx context.Context, in model.Inputs, ps params.Set) (model.Outputs, error) {
			if p == nil {
				return nil, unconfigured("publisher")
			}
			a := in["artifact"]
			if a.IsMissing() {
				return nil, errs.Permanentf("upload_artifact requires an artifact")
			}
			var target string
			if err := ps.Decode("url", &target); err != nil {
				return nil, errs.Permanent(err)
			}
			receipt, err := p.Upload(ctx, target, a)
			if err != nil {
				return nil, err
			}
			ctxlog.FromContext(ctx).Info("Artifact uploaded.", "size", receipt.Size, "status", receipt.Status)

			data, err := json.Marshal(receipt)
			if err != nil {
				return nil, errs.Permanent(err)
			}
			return model.Outputs{"receipt": model.NewBlob(data, "application/json")}, nil
		}),
	}
}

func checkTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid upload url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upload url %q must be an absolute http or https url", u.Redacted())
	}
	return nil
}
