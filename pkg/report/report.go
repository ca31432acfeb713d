// Package report implements the twin-facing component that turns a
// workflow.Handle's state transitions into reported-property updates,
// deduplicating so the same non-terminal state is never reported twice in
// a row and throttling so a flapping handler can't flood the twin
// connection.
package report

import (
	"context"
	"sync"
	"time"

	"duagent/pkg/workflow"
)

// TwinClient is the external collaborator that actually writes reported
// properties to the device twin. Production wiring talks to whatever
// device-to-cloud channel the agent is built against; tests use NullClient
// or a recording fake.
type TwinClient interface {
	ReportProperties(ctx context.Context, props map[string]interface{}) error
}

// NullClient discards every report, used in tests and in any build where
// twin connectivity isn't wired up yet.
type NullClient struct{}

func (NullClient) ReportProperties(ctx context.Context, props map[string]interface{}) error {
	return nil
}

// Recorder is the optional write-through to the local history store;
// Reporter calls it best-effort, since a history-store outage must never
// block a twin report.
type Recorder interface {
	RecordState(workflowID string, state string, result *workflow.Result) error
}

// Reporter deduplicates and throttles reported-property writes for one
// agent's worth of in-flight workflow handles.
type Reporter struct {
	client   TwinClient
	recorder Recorder
	minGap   time.Duration

	mu       sync.Mutex
	lastSent map[string]sentReport
}

type sentReport struct {
	state string
	at    time.Time
}

// DefaultMinGap is the minimum time between two non-terminal reports for
// the same workflow id.
const DefaultMinGap = 500 * time.Millisecond

// New creates a Reporter writing through client, optionally mirroring
// every report into recorder.
func New(client TwinClient, recorder Recorder) *Reporter {
	if client == nil {
		client = NullClient{}
	}
	return &Reporter{
		client:   client,
		recorder: recorder,
		minGap:   DefaultMinGap,
		lastSent: make(map[string]sentReport),
	}
}

// ReportState reports h's current state, unless it is identical to the
// last state reported for this handle's id and the state is not
// terminal (a terminal state is reported every time, even if it repeats,
// since it is the final word on this deployment).
func (r *Reporter) ReportState(ctx context.Context, h *workflow.Handle, state string, terminal bool) error {
	id := h.PeekID()

	r.mu.Lock()
	last, seen := r.lastSent[id]
	now := time.Now()
	if seen && last.state == state && !terminal {
		r.mu.Unlock()
		return nil
	}
	if seen && !terminal && now.Sub(last.at) < r.minGap {
		r.mu.Unlock()
		return nil
	}
	r.lastSent[id] = sentReport{state: state, at: now}
	r.mu.Unlock()

	props := map[string]interface{}{
		"workflow": map[string]interface{}{
			"id":            id,
			"state":         state,
			"installedUpdateId": installedUpdateID(h),
		},
	}
	if h.Result.Code != 0 || terminal {
		props["workflow"].(map[string]interface{})["resultCode"] = h.Result.Code
		props["workflow"].(map[string]interface{})["extendedResultCode"] = h.Result.ExtendedCode
		if len(h.Result.ExtraCodes) > 0 {
			props["workflow"].(map[string]interface{})["extendedResultCodes"] = h.Result.ExtraCodes
		}
		if h.Result.Details != "" {
			props["workflow"].(map[string]interface{})["resultDetails"] = h.Result.Details
		}
	}

	err := r.client.ReportProperties(ctx, props)

	if r.recorder != nil {
		_ = r.recorder.RecordState(id, state, &h.Result)
	}

	if terminal {
		r.mu.Lock()
		delete(r.lastSent, id)
		r.mu.Unlock()
	}

	return err
}

func installedUpdateID(h *workflow.Handle) interface{} {
	if h.Result.InstalledUpdateID == nil {
		return nil
	}
	return map[string]string{
		"provider": h.Result.InstalledUpdateID.Provider,
		"name":     h.Result.InstalledUpdateID.Name,
		"version":  h.Result.InstalledUpdateID.Version,
	}
}
