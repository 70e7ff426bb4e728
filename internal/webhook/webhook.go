// Package webhook reconciles GitLab pipeline-hook payloads against the
// persistent commit store, advancing a pushed commit's pipeline status.
package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haondt/talaria/internal/errs"
	"github.com/haondt/talaria/internal/logging"
	"github.com/haondt/talaria/internal/store"
)

// Payload is the subset of a GitLab pipeline-hook body this module reads.
type Payload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		Status   string  `json:"status"`
		Sha      string  `json:"sha"`
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
		Source   string  `json:"source"`
	} `json:"object_attributes"`
	Commit struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"commit"`
}

// statuses that advance commit state; anything else is ignored.
var statusMap = map[string]store.PipelineStatus{
	"success": store.PipelineSuccess,
	"failed":  store.PipelineFailure,
}

// Reconciler applies deployment webhook events to a Store.
type Reconciler struct {
	Store *store.Store
}

// New builds a Reconciler backed by s.
func New(s *store.Store) *Reconciler {
	return &Reconciler{Store: s}
}

// Parse decodes a raw webhook body into a Payload.
func Parse(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, errs.WrapErr(errs.ErrWebhookValidation, "decoding webhook body", err)
	}
	return p, nil
}

// HandleDeploymentWebhook applies payload to the store if event and status
// qualify: event must case-insensitively equal "pipeline hook"; source
// "parent_pipeline" is ignored (child pipelines); only success/failed
// statuses are accepted; an unknown sha is a silent no-op.
func (r *Reconciler) HandleDeploymentWebhook(ctx context.Context, payload Payload, event string) error {
	if !strings.EqualFold(strings.TrimSpace(event), "pipeline hook") {
		logging.Default().Debug("ignoring webhook event %q", event)
		return nil
	}
	if payload.ObjectAttributes.Source == "parent_pipeline" {
		logging.Default().Debug("ignoring child pipeline webhook")
		return nil
	}

	status, ok := statusMap[strings.ToLower(payload.ObjectAttributes.Status)]
	if !ok {
		logging.Default().Debug("ignoring pipeline status %q", payload.ObjectAttributes.Status)
		return nil
	}

	sha := payload.ObjectAttributes.Sha
	if sha == "" {
		logging.Default().Debug("webhook payload carries no commit sha")
		return nil
	}

	var duration *float64
	if payload.ObjectAttributes.Duration != 0 {
		d := payload.ObjectAttributes.Duration
		duration = &d
	}

	found, err := r.Store.UpdatePipelineStatus(ctx, sha, status, payload.Commit.URL, payload.ObjectAttributes.URL, time.Now(), duration)
	if err != nil {
		return err
	}
	if !found {
		logging.Default().Warn("webhook referenced unknown commit %s", sha)
		return nil
	}
	logging.Default().Info("commit %s pipeline status advanced to %s", sha, status)
	return nil
}
