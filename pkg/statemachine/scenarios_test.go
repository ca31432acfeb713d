package statemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duagent/pkg/dispatch"
	"duagent/pkg/manifest"
	"duagent/pkg/persistence"
	"duagent/pkg/workflow"

	"github.com/spf13/afero"
)

// fakeHandler always returns the configured result for whichever
// operation is dispatched, letting each scenario script a deployment's
// outcome without a real extension plugin.
type fakeHandler struct {
	mu        sync.Mutex
	results   map[dispatch.Operation]dispatch.HandlerResult
	calls     []dispatch.Operation
	blocked   map[dispatch.Operation]chan struct{}
	reachedCh chan struct{}
}

func newFakeHandler(result dispatch.HandlerResult) *fakeHandler {
	return &fakeHandler{
		results: map[dispatch.Operation]dispatch.HandlerResult{
			dispatch.OpDownload: result,
			dispatch.OpInstall:  result,
			dispatch.OpApply:    result,
		},
		blocked: make(map[dispatch.Operation]chan struct{}),
	}
}

// setResult overrides the result f returns for a single operation.
func (f *fakeHandler) setResult(op dispatch.Operation, result dispatch.HandlerResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[op] = result
}

// block arranges for op to wait on an internal gate before returning,
// so a test can deterministically observe "operation started" before
// deciding what happens next.
func (f *fakeHandler) block(op dispatch.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[op] = make(chan struct{})
	f.reachedCh = make(chan struct{}, 1)
}

func (f *fakeHandler) waitBlocked(t *testing.T) {
	t.Helper()
	select {
	case <-f.reachedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked operation to start")
	}
}

func (f *fakeHandler) unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, gate := range f.blocked {
		close(gate)
	}
	f.blocked = make(map[dispatch.Operation]chan struct{})
}

func (f *fakeHandler) GetContractInfo() (int, int) { return 1, 0 }

func (f *fakeHandler) IsInstalled(ctx context.Context, h *workflow.Handle) (dispatch.HandlerResult, error) {
	return f.record(dispatch.OpIsInstalled)
}
func (f *fakeHandler) Download(ctx context.Context, h *workflow.Handle) (dispatch.HandlerResult, error) {
	return f.record(dispatch.OpDownload)
}
func (f *fakeHandler) Install(ctx context.Context, h *workflow.Handle) (dispatch.HandlerResult, error) {
	return f.record(dispatch.OpInstall)
}
func (f *fakeHandler) Apply(ctx context.Context, h *workflow.Handle) (dispatch.HandlerResult, error) {
	return f.record(dispatch.OpApply)
}

func (f *fakeHandler) record(op dispatch.Operation) (dispatch.HandlerResult, error) {
	f.mu.Lock()
	gate, blocked := f.blocked[op]
	reached := f.reachedCh
	f.mu.Unlock()

	if blocked {
		if reached != nil {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.results[op], nil
}

type fakeResolver struct{ handler interface{} }

func (f *fakeResolver) Load(ctx context.Context, updateType string) (interface{}, int, int, error) {
	return f.handler, 1, 0, nil
}

type recordingReporter struct {
	mu       sync.Mutex
	states   []string
	terminal chan struct{}
	once     sync.Once
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{terminal: make(chan struct{})}
}

func (r *recordingReporter) ReportState(ctx context.Context, h *workflow.Handle, state string, terminal bool) error {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	if terminal {
		r.once.Do(func() { close(r.terminal) })
	}
	return nil
}

func newTestHandle(t *testing.T, id string) (*workflow.Arena, *workflow.Handle) {
	t.Helper()
	arena := workflow.NewArena("/var/lib/duagent/downloads")
	h := arena.NewRoot(
		&manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: id}},
		&manifest.UpdateManifest{
			ManifestVersion: 4,
			UpdateID:        manifest.UpdateID{Provider: "contoso", Name: "fw", Version: "1.0"},
			UpdateType:      "microsoft/swupdate:1",
		},
	)
	return arena, h
}

func waitTerminal(t *testing.T, r *recordingReporter) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal report")
	}
}

// A clean deployment runs Download -> Install -> Apply and ends Idle
// with a Success result.
func TestScenario_HappyPathDeploymentSucceeds(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-1")
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateIdle, State(h.State))
	assert.Equal(t, int32(dispatch.ResultSuccess), h.Result.Code)
	require.NotNil(t, h.Result.InstalledUpdateID)
	assert.Equal(t, "contoso/fw-1.0", h.Result.InstalledUpdateID.String())

	handler.mu.Lock()
	calls := append([]dispatch.Operation(nil), handler.calls...)
	handler.mu.Unlock()
	assert.Equal(t, []dispatch.Operation{dispatch.OpDownload, dispatch.OpInstall, dispatch.OpApply}, calls)
}

// A handler operation fails outright, and the workflow moves to Failed
// with the handler's result details.
func TestScenario_HandlerFailureMovesToFailed(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-2")
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultFailed, ExtendedCode: 42, Details: "disk full"})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateFailed, State(h.State))
	assert.Equal(t, int32(dispatch.ResultFailed), h.Result.Code)
	assert.Equal(t, int32(42), h.Result.ExtendedCode)
	assert.Equal(t, "disk full", h.Result.Details)
}

// A cancel requested while no operation is running moves the handle
// directly to Cancelled.
func TestScenario_CancelWithNoOperationRunning(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-3")
	h.State = int(StateIdle)
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.RequestCancel(ctx, h, workflow.CancelRequested)
	waitTerminal(t, rep)

	assert.Equal(t, StateCancelled, State(h.State))
	assert.Equal(t, int32(dispatch.ResultCancelled), h.Result.Code)
}

// A replacement deployment arrives mid-operation; the current operation
// is allowed to finish, then the replacement's action/manifest take over
// and a fresh deployment begins.
func TestScenario_ReplacementTakesOverAfterCurrentOperationFinishes(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-4")
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	handler.block(dispatch.OpDownload)
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	replacementManifest := &manifest.UpdateManifest{
		UpdateID:   manifest.UpdateID{Provider: "contoso", Name: "fw", Version: "2.0"},
		UpdateType: "microsoft/swupdate:1",
	}
	repl := &workflow.DeferredReplacement{
		Action:   &manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: "deploy-4"}},
		Manifest: replacementManifest,
	}

	m.Start(ctx, h)
	handler.waitBlocked(t)
	m.RequestReplacement(ctx, h, repl)
	handler.unblock()
	waitTerminal(t, rep)

	assert.Equal(t, StateIdle, State(h.State))
	require.NotNil(t, h.Result.InstalledUpdateID)
	assert.Equal(t, "contoso/fw-2.0", h.Result.InstalledUpdateID.String())
}

// A handler reports RequiredReboot; the state machine records the
// reboot request without failing the workflow.
func TestScenario_RequiredRebootIsRecordedWithoutFailing(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-5")
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultRequiredReboot})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)

	require.Eventually(t, func() bool {
		return h.Properties.RebootRequested
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEqual(t, StateFailed, State(h.State))
	assert.NotEqual(t, StateCancelled, State(h.State))
}

// Every non-terminal transition is persisted, and the snapshot is
// removed once the deployment reaches a terminal state.
func TestScenario_SnapshotRemovedOnTerminalState(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-6")
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	fs := afero.NewMemMapFs()
	store := persistence.New(fs, "/var/lib/duagent/state")
	m := New(arena, d, rep, store, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	_, ok, err := store.Load("deploy-6")
	require.NoError(t, err)
	assert.False(t, ok)
}

// A manifest whose compatibility entries name no match for the device
// fails immediately, before any handler operation is dispatched.
func TestScenario_IncompatibleDeviceFailsWithoutDispatch(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-7")
	h.UpdateManifest.Compatibility = []manifest.CompatibilityEntry{
		{DeviceManufacturer: "contoso", DeviceModel: "widget-9000"},
	}
	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{Manufacturer: "contoso", Model: "widget-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateFailed, State(h.State))
	assert.Equal(t, ExtendedCodeIncompatibleDevice, h.Result.ExtendedCode)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.calls)
}

// A proxy manifest with two inline steps runs each as its own component:
// abortOnFailure stops the loop on the first failing component, and the
// parent's terminal result carries that failure.
func TestScenario_ProxyUpdateAbortsOnFirstComponentFailure(t *testing.T) {
	arena := workflow.NewArena("/var/lib/duagent/downloads")
	h := arena.NewRoot(
		&manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: "deploy-8"}},
		&manifest.UpdateManifest{
			ManifestVersion: 4,
			UpdateID:        manifest.UpdateID{Provider: "contoso", Name: "motor-bundle", Version: "1.0"},
			Instructions: &manifest.Instructions{
				Steps: []manifest.Step{
					{Type: manifest.StepInline, Handler: "usb-motor-controller", InstallRule: manifest.InstallRuleAbortOnFailure},
					{Type: manifest.StepInline, Handler: "usb-motor-controller", InstallRule: manifest.InstallRuleAbortOnFailure},
				},
			},
			Files: map[string]manifest.FileEntry{},
		},
	)

	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultFailed, Details: "bad firmware"})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateFailed, State(h.State))
	assert.Equal(t, "bad firmware", h.Result.Details)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []dispatch.Operation{dispatch.OpDownload}, handler.calls)
}

// continueOnFailure lets the loop run every component even after one
// fails, and the terminal result still reflects the failure.
func TestScenario_ProxyUpdateContinuesPastFailureWhenRuleAllows(t *testing.T) {
	arena := workflow.NewArena("/var/lib/duagent/downloads")
	h := arena.NewRoot(
		&manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: "deploy-9"}},
		&manifest.UpdateManifest{
			ManifestVersion: 4,
			UpdateID:        manifest.UpdateID{Provider: "contoso", Name: "motor-bundle", Version: "1.0"},
			Instructions: &manifest.Instructions{
				Steps: []manifest.Step{
					{Type: manifest.StepInline, Handler: "usb-motor-controller", InstallRule: manifest.InstallRuleContinueOnFailure},
					{Type: manifest.StepInline, Handler: "usb-motor-controller", InstallRule: manifest.InstallRuleContinueOnFailure},
				},
			},
			Files: map[string]manifest.FileEntry{},
		},
	)

	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultFailed, Details: "bad firmware"})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateFailed, State(h.State))
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []dispatch.Operation{dispatch.OpDownload, dispatch.OpDownload}, handler.calls)
}

// Resuming a handle persisted mid-install probes IsInstalled rather than
// re-running Download from scratch.
func TestScenario_ResumeProbesIsInstalledBeforeReinstalling(t *testing.T) {
	arena, h := newTestHandle(t, "deploy-10")
	h.State = int(StateInstallStarted)
	h.CurrentStep = int(StepInstall)

	handler := newFakeHandler(dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	handler.setResult(dispatch.OpIsInstalled, dispatch.HandlerResult{Code: dispatch.ResultSuccess})
	d := dispatch.New(&fakeResolver{handler: handler})
	rep := newRecordingReporter()
	m := New(arena, d, rep, nil, DeviceProperties{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Resume(ctx, h)
	waitTerminal(t, rep)

	assert.Equal(t, StateIdle, State(h.State))
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []dispatch.Operation{dispatch.OpIsInstalled, dispatch.OpApply}, handler.calls)
}
