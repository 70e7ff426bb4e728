package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haondt/talaria/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "talaria.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func seedCommit(t *testing.T, r *Reconciler, hash string) {
	t.Helper()
	require.NoError(t, r.Store.InsertCommit(context.Background(), store.CommitInfo{
		CommitHash:      hash,
		CommitTimestamp: time.Now(),
		PipelineStatus:  store.PipelineUnknown,
	}))
}

func TestHandleDeploymentWebhook_SuccessAdvancesStatus(t *testing.T) {
	r := newTestReconciler(t)
	seedCommit(t, r, "abc123")

	p := Payload{}
	p.ObjectAttributes.Status = "success"
	p.ObjectAttributes.URL = "https://gitlab.example.com/pipelines/1"
	p.ObjectAttributes.Duration = 12.5
	p.ObjectAttributes.Sha = "abc123"
	p.Commit.URL = "https://gitlab.example.com/commit/abc123"

	require.NoError(t, r.HandleDeploymentWebhook(context.Background(), p, "Pipeline Hook"))

	got, found, err := r.Store.GetCommit(context.Background(), "abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PipelineSuccess, got.PipelineStatus)
	assert.Equal(t, 12.5, *got.PipelineDuration)
}

func TestHandleDeploymentWebhook_IgnoresNonPipelineHookEvent(t *testing.T) {
	r := newTestReconciler(t)
	seedCommit(t, r, "abc123")

	p := Payload{}
	p.ObjectAttributes.Status = "success"
	p.ObjectAttributes.Sha = "abc123"

	require.NoError(t, r.HandleDeploymentWebhook(context.Background(), p, "Push Hook"))

	got, _, err := r.Store.GetCommit(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineUnknown, got.PipelineStatus)
}

func TestHandleDeploymentWebhook_IgnoresChildPipeline(t *testing.T) {
	r := newTestReconciler(t)
	seedCommit(t, r, "abc123")

	p := Payload{}
	p.ObjectAttributes.Status = "success"
	p.ObjectAttributes.Source = "parent_pipeline"
	p.ObjectAttributes.Sha = "abc123"

	require.NoError(t, r.HandleDeploymentWebhook(context.Background(), p, "pipeline hook"))

	got, _, err := r.Store.GetCommit(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineUnknown, got.PipelineStatus)
}

func TestHandleDeploymentWebhook_IgnoresUnknownStatus(t *testing.T) {
	r := newTestReconciler(t)
	seedCommit(t, r, "abc123")

	p := Payload{}
	p.ObjectAttributes.Status = "running"
	p.ObjectAttributes.Sha = "abc123"

	require.NoError(t, r.HandleDeploymentWebhook(context.Background(), p, "pipeline hook"))

	got, _, err := r.Store.GetCommit(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineUnknown, got.PipelineStatus)
}

func TestHandleDeploymentWebhook_IgnoresUnknownSHA(t *testing.T) {
	r := newTestReconciler(t)

	p := Payload{}
	p.ObjectAttributes.Status = "failed"
	p.ObjectAttributes.Sha = "deadbeef"

	require.NoError(t, r.HandleDeploymentWebhook(context.Background(), p, "pipeline hook"))

	_, found, err := r.Store.GetCommit(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	require.Error(t, err)
}

func TestParse_ValidJSON(t *testing.T) {
	p, err := Parse([]byte(`{"object_kind":"pipeline","object_attributes":{"status":"success","sha":"x"},"commit":{"url":"http://c"}}`))
	require.NoError(t, err)
	assert.Equal(t, "success", p.ObjectAttributes.Status)
	assert.Equal(t, "x", p.ObjectAttributes.Sha)
}
