package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duagent/pkg/manifest"
	"duagent/pkg/workflow"
)

type recordingClient struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (c *recordingClient) ReportProperties(ctx context.Context, props map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, props)
	return nil
}

func (c *recordingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestHandle(id string) *workflow.Handle {
	arena := workflow.NewArena("/var/lib/duagent/downloads")
	return arena.NewRoot(&manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: id}}, &manifest.UpdateManifest{})
}

func TestReportState_DedupsIdenticalNonTerminalState(t *testing.T) {
	client := &recordingClient{}
	r := New(client, nil)
	h := newTestHandle("deploy-1")

	require.NoError(t, r.ReportState(context.Background(), h, "DownloadStarted", false))
	require.NoError(t, r.ReportState(context.Background(), h, "DownloadStarted", false))

	assert.Equal(t, 1, client.count())
}

func TestReportState_AlwaysSendsTerminalEvenIfRepeated(t *testing.T) {
	client := &recordingClient{}
	r := New(client, nil)
	h := newTestHandle("deploy-1")

	require.NoError(t, r.ReportState(context.Background(), h, "Failed", true))
	require.NoError(t, r.ReportState(context.Background(), h, "Failed", true))

	assert.Equal(t, 2, client.count())
}

func TestReportState_ThrottlesRapidDistinctStates(t *testing.T) {
	client := &recordingClient{}
	r := New(client, nil)
	r.minGap = time.Hour
	h := newTestHandle("deploy-1")

	require.NoError(t, r.ReportState(context.Background(), h, "DownloadStarted", false))
	require.NoError(t, r.ReportState(context.Background(), h, "InstallStarted", false))

	assert.Equal(t, 1, client.count())
}

type recordingRecorder struct {
	mu      sync.Mutex
	states  []string
}

func (r *recordingRecorder) RecordState(workflowID, state string, result *workflow.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func TestReportState_MirrorsToRecorder(t *testing.T) {
	client := &recordingClient{}
	rec := &recordingRecorder{}
	r := New(client, rec)
	h := newTestHandle("deploy-1")

	require.NoError(t, r.ReportState(context.Background(), h, "DownloadStarted", false))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"DownloadStarted"}, rec.states)
}

func TestNullClient_DiscardsReports(t *testing.T) {
	var c TwinClient = NullClient{}
	assert.NoError(t, c.ReportProperties(context.Background(), nil))
}
