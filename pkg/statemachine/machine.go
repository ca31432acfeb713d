package statemachine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"duagent/pkg/dispatch"
	"duagent/pkg/manifest"
	"duagent/pkg/persistence"
	"duagent/pkg/workflow"
)

// Reporter is the narrow slice of pkg/report.Reporter the state machine
// needs, kept as an interface so tests can substitute a recording fake
// instead of wiring a real TwinClient.
type Reporter interface {
	ReportState(ctx context.Context, h *workflow.Handle, state string, terminal bool) error
}

// DeviceProperties names the local device values a manifest's
// compatibility entries are matched against during ProcessDeployment.
type DeviceProperties struct {
	Manufacturer string
	Model        string
}

// ExtendedCodeIncompatibleDevice is the extended result code a
// deployment fails with when the device matches none of the manifest's
// compatibility entries.
const ExtendedCodeIncompatibleDevice int32 = 1

// compatible reports whether device satisfies at least one of entries.
// A manifest that declares no compatibility entries is compatible with
// any device.
func compatible(device DeviceProperties, entries []manifest.CompatibilityEntry) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if e.DeviceManufacturer == device.Manufacturer && e.DeviceModel == device.Model {
			return true
		}
	}
	return false
}

// operation tracks one in-flight dispatch call: a worker goroutine runs
// the handler operation and sends exactly one workerEvent back to the
// Machine's single coordinating goroutine. cancelled is an atomic flag
// the worker checks for cooperative cancellation rather than being
// killed outright.
type operation struct {
	handleID  workflow.HandleID
	step      Step
	cancelled atomic.Bool
}

type workerEvent struct {
	handleID workflow.HandleID
	step     Step
	result   dispatch.HandlerResult
	err      error
}

// Machine is the Workflow State Machine: the single authority advancing
// every active workflow.Handle through its states, dispatching each step
// synchronously from its own worker goroutine and serializing all state
// mutation in the coordinating goroutine that owns events.
type Machine struct {
	arena      *workflow.Arena
	dispatcher *dispatch.Dispatcher
	reporter   Reporter
	store      *persistence.Store
	device     DeviceProperties

	mu     sync.Mutex
	active map[workflow.HandleID]*operation

	events chan workerEvent
}

// New creates a Machine coordinating work across arena's handles.
// device is matched against each manifest's compatibility entries during
// ProcessDeployment.
func New(arena *workflow.Arena, dispatcher *dispatch.Dispatcher, reporter Reporter, store *persistence.Store, device DeviceProperties) *Machine {
	return &Machine{
		arena:      arena,
		dispatcher: dispatcher,
		reporter:   reporter,
		store:      store,
		device:     device,
		active:     make(map[workflow.HandleID]*operation),
		events:     make(chan workerEvent, 64),
	}
}

// Run is the single dispatcher goroutine: it owns all state mutation,
// processing one workerEvent at a time until ctx is cancelled. Callers
// typically run this in its own goroutine at agent startup.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

// Start begins processing a freshly parsed root handle, gating on device
// compatibility before entering DeploymentInProgress.
func (m *Machine) Start(ctx context.Context, h *workflow.Handle) {
	m.beginDeployment(ctx, h)
}

// Resume re-enters the state machine for a handle reconstructed from a
// crash-resilient snapshot. It probes IsInstalled before resuming
// Install/Apply, so a reboot that already applied the update (the
// handler's own bootloader-slot swap, say) is recognized rather than
// re-run from scratch.
func (m *Machine) Resume(ctx context.Context, h *workflow.Handle) {
	if State(h.State).IsTerminal() {
		return
	}

	// A multi-step deployment isn't resumed mid-component: its children
	// aren't persisted independently, so resuming just restarts the
	// component loop from the beginning.
	if h.GetInstructionsStepsCount() > 0 {
		h.ComponentCursor = 0
		h.ComponentFailed = false
		m.beginComponentStep(ctx, h)
		return
	}

	result, err := m.dispatcher.Dispatch(ctx, h, dispatch.OpIsInstalled)
	if err != nil {
		m.fail(ctx, h, fmt.Sprintf("resume: IsInstalled probe: %v", err))
		return
	}

	switch result.Code {
	case dispatch.ResultSuccess, dispatch.ResultSkipped:
		m.beginStep(ctx, h, StepApply)
	case dispatch.ResultFailed:
		m.failWithResult(ctx, h, result)
	default:
		m.beginStep(ctx, h, StepInstall)
	}
}

// RequestCancel marks h for cooperative cancellation. If an operation is
// currently running for h or one of its component children, the flag is
// set, the handler's Cancel (if it implements one) is invoked on the
// calling goroutine, and the worker observes the flag once the running
// operation returns; if no operation is running, h moves to Cancelled
// immediately.
func (m *Machine) RequestCancel(ctx context.Context, h *workflow.Handle, cancelType workflow.CancellationType) {
	h.OperationCancelled = true
	h.CancellationType = cancelType

	running, op := m.activeFor(h)
	if running {
		op.cancelled.Store(true)
		if active := m.arena.Get(op.handleID); active != nil {
			active.OperationCancelled = true
			_, _ = m.dispatcher.Dispatch(ctx, active, dispatch.OpCancel)
		}
		return
	}

	h.State = int(StateCancelled)
	h.Result.Code = int32(dispatch.ResultCancelled)
	m.reportAndPersist(ctx, h, true)
}

// activeFor reports whether h or one of its current children has a
// running operation, since the component loop's active operation is
// keyed by the child handle's id, not the root's.
func (m *Machine) activeFor(h *workflow.Handle) (bool, *operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.active[h.ID]; ok {
		return true, op
	}
	for _, childID := range h.Children {
		if op, ok := m.active[childID]; ok {
			return true, op
		}
	}
	return false, nil
}

// RequestReplacement parks a new deployment for h's workflow id, to be
// picked up once the current operation finishes. A newer deployment
// always wins over one in progress, but the in-progress operation is
// allowed to reach a clean stopping point first rather than being torn
// down mid-write.
func (m *Machine) RequestReplacement(ctx context.Context, h *workflow.Handle, repl *workflow.DeferredReplacement) {
	h.DeferredReplacement = repl
	m.RequestCancel(ctx, h, workflow.CancelReplacement)
}

// RequestRetry parks a same-id redeployment carrying a new retry
// timestamp, to be picked up once the current operation finishes. It
// behaves exactly like RequestReplacement except for the cancellation
// type recorded while the handle waits: Retry rather than Replacement.
func (m *Machine) RequestRetry(ctx context.Context, h *workflow.Handle, repl *workflow.DeferredReplacement) {
	h.DeferredReplacement = repl
	m.RequestCancel(ctx, h, workflow.CancelRetry)
}

// beginDeployment enters DeploymentInProgress after checking device
// compatibility, then dispatches either the component loop (for a
// manifest with instructions.steps) or a plain Download/Install/Apply
// pipeline on h itself.
func (m *Machine) beginDeployment(ctx context.Context, h *workflow.Handle) {
	if !compatible(m.device, h.GetCompatibility()) {
		m.failWithResult(ctx, h, dispatch.HandlerResult{
			Code:         dispatch.ResultFailed,
			ExtendedCode: ExtendedCodeIncompatibleDevice,
			Details:      "device does not match any compatibility entry in the manifest",
		})
		return
	}

	h.State = int(StateDeploymentInProgress)
	m.reportAndPersist(ctx, h, false)

	if h.GetInstructionsStepsCount() > 0 {
		h.ComponentCursor = 0
		h.ComponentFailed = false
		m.beginComponentStep(ctx, h)
		return
	}

	m.beginStep(ctx, h, StepDownload)
}

// beginComponentStep dispatches the inline step at h.ComponentCursor as a
// synthesized child handle, skipping over reference steps (whose
// detached manifest must already have been resolved during ingest), or
// finishes the loop once the cursor reaches the end of instructions.
func (m *Machine) beginComponentStep(ctx context.Context, h *workflow.Handle) {
	for h.ComponentCursor < h.GetInstructionsStepsCount() && !h.IsInlineStep(h.ComponentCursor) {
		h.ComponentCursor++
	}

	if h.ComponentCursor >= h.GetInstructionsStepsCount() {
		m.finishComponentLoop(ctx, h)
		return
	}

	child, err := m.arena.CreateFromInlineStep(h, h.ComponentCursor)
	if err != nil {
		m.fail(ctx, h, fmt.Sprintf("component step %d: %v", h.ComponentCursor, err))
		return
	}

	m.beginStep(ctx, child, StepDownload)
}

// finishComponentLoop is reached once every component step has run; an
// abortOnFailure failure ends the loop in completeComponent instead and
// never reaches here. It succeeds unless a continueOnFailure step left
// ComponentFailed set, in which case h's already-recorded failing Result
// stands as the deployment's terminal outcome.
func (m *Machine) finishComponentLoop(ctx context.Context, h *workflow.Handle) {
	if h.ComponentFailed {
		h.State = int(StateFailed)
		m.reportAndPersist(ctx, h, true)
		return
	}
	m.succeed(ctx, h)
}

// completeComponent folds a synthesized component child's terminal
// result into its parent's component loop. An abortOnFailure step (the
// default when a step names no install rule) stops the loop on the
// first failure; continueOnFailure records the failure and moves on to
// the next step, so the parent's eventual terminal result carries the
// worst outcome any component reported.
func (m *Machine) completeComponent(ctx context.Context, child *workflow.Handle) {
	parent := m.arena.Get(child.Parent)
	if parent == nil {
		return
	}

	succeeded := child.Result.Code == int32(dispatch.ResultSuccess) || child.Result.Code == int32(dispatch.ResultSkipped)
	rule, _ := parent.PeekStepInstallRule(child.StepIndex)
	m.arena.RemoveChild(parent, -1)

	if !succeeded {
		parent.ComponentFailed = true
		parent.Result = child.Result
		if rule == manifest.InstallRuleAbortOnFailure {
			m.fail(ctx, parent, child.Result.Details)
			return
		}
	} else if child.Result.InstalledUpdateID != nil {
		parent.Result.InstalledUpdateID = child.Result.InstalledUpdateID
	}

	parent.ComponentCursor++
	m.beginComponentStep(ctx, parent)
}

// beginStep enters step's Started bookkeeping state and dispatches it.
func (m *Machine) beginStep(ctx context.Context, h *workflow.Handle, step Step) {
	h.State = int(stepStartState(step))
	m.reportAndPersist(ctx, h, false)
	m.dispatchStep(ctx, h, step)
}

func (m *Machine) dispatchStep(ctx context.Context, h *workflow.Handle, step Step) {
	if step == StepNone {
		return
	}

	op := &operation{handleID: h.ID, step: step}
	m.mu.Lock()
	m.active[h.ID] = op
	m.mu.Unlock()

	h.CurrentStep = int(step)
	h.OperationInProgress = true

	go m.runWorker(ctx, h, op)
}

// runWorker is the one-worker-goroutine-per-operation half of the model:
// it calls the dispatcher synchronously and reports back exactly once,
// regardless of whether the operation succeeded, failed, or was
// cancelled out from under it.
func (m *Machine) runWorker(ctx context.Context, h *workflow.Handle, op *operation) {
	dispatchOp := operationForStep(op.step)
	result, err := m.dispatcher.Dispatch(ctx, h, dispatchOp)

	if op.cancelled.Load() {
		result = dispatch.HandlerResult{Code: dispatch.ResultCancelled}
		err = nil
	}

	select {
	case m.events <- workerEvent{handleID: op.handleID, step: op.step, result: result, err: err}:
	case <-ctx.Done():
	}
}

func operationForStep(s Step) dispatch.Operation {
	switch s {
	case StepDownload:
		return dispatch.OpDownload
	case StepInstall:
		return dispatch.OpInstall
	case StepApply:
		return dispatch.OpApply
	default:
		return dispatch.OpInstall
	}
}

func (m *Machine) handleEvent(ctx context.Context, ev workerEvent) {
	h := m.arena.Get(ev.handleID)
	if h == nil {
		return
	}

	m.mu.Lock()
	delete(m.active, ev.handleID)
	m.mu.Unlock()

	h.OperationInProgress = false

	if ev.err != nil {
		m.fail(ctx, h, fmt.Sprintf("%s: %v", Step(ev.step), ev.err))
		return
	}

	switch ev.result.Code {
	case dispatch.ResultCancelled:
		m.finishCancelled(ctx, h)
	case dispatch.ResultFailed:
		m.failWithResult(ctx, h, ev.result)
	case dispatch.ResultInProgress:
		m.dispatchStep(ctx, h, ev.step)
	case dispatch.ResultRequiredReboot:
		h.Properties.RebootRequested = true
		m.reportAndPersist(ctx, h, false)
	case dispatch.ResultRequiredAgentRestart:
		h.Properties.AgentRestartRequested = true
		m.reportAndPersist(ctx, h, false)
	case dispatch.ResultSuccess, dispatch.ResultSkipped:
		m.advance(ctx, h)
	default:
		m.advance(ctx, h)
	}
}

// advance moves h from the step that just finished to the next one in
// its pipeline, dispatching each of Download, Install, and Apply exactly
// once. Once Apply succeeds, a component child reports back to its
// parent's loop; a root handle succeeds outright.
func (m *Machine) advance(ctx context.Context, h *workflow.Handle) {
	finished := Step(h.CurrentStep)
	h.State = int(succeededState(finished))
	m.reportAndPersist(ctx, h, false)

	if h.OperationCancelled {
		m.finishCancelled(ctx, h)
		return
	}

	if next := nextStep(finished); next != StepNone {
		m.beginStep(ctx, h, next)
		return
	}

	if h.Parent != workflow.NoHandle {
		h.Result.Code = int32(dispatch.ResultSuccess)
		if h.UpdateManifest != nil {
			id := h.UpdateManifest.UpdateID
			h.Result.InstalledUpdateID = &id
		}
		m.completeComponent(ctx, h)
		return
	}

	m.succeed(ctx, h)
}

// finishCancelled finalizes h (or, for a component child, its root) as
// Cancelled, unless a replacement or retry was parked while the
// cancellation was pending, in which case the cancellation is discarded
// and the parked deployment starts in its place.
func (m *Machine) finishCancelled(ctx context.Context, h *workflow.Handle) {
	for h.Parent != workflow.NoHandle {
		parent := m.arena.Get(h.Parent)
		if parent == nil {
			break
		}
		for i, id := range parent.Children {
			if id == h.ID {
				m.arena.RemoveChild(parent, i)
				break
			}
		}
		h = parent
	}

	if h.DeferredReplacement != nil {
		repl := h.DeferredReplacement
		h.DeferredReplacement = nil
		h.UpdateAction = repl.Action
		h.UpdateManifest = repl.Manifest
		h.RetryTimestamp = repl.Action.Workflow.RetryTimestamp
		h.OperationCancelled = false
		h.CancellationType = workflow.CancelNone
		h.ComponentCursor = 0
		h.ComponentFailed = false
		h.Result = workflow.Result{}
		m.beginDeployment(ctx, h)
		return
	}

	h.State = int(StateCancelled)
	h.Result.Code = int32(dispatch.ResultCancelled)
	m.reportAndPersist(ctx, h, true)
}

func (m *Machine) fail(ctx context.Context, h *workflow.Handle, details string) {
	h.Result.Code = int32(dispatch.ResultFailed)
	h.Result.Details = details
	m.finishTerminal(ctx, h, StateFailed)
}

func (m *Machine) failWithResult(ctx context.Context, h *workflow.Handle, r dispatch.HandlerResult) {
	h.Result.Code = int32(r.Code)
	h.Result.ExtendedCode = r.ExtendedCode
	h.Result.Details = r.Details
	for _, c := range r.ExtraCodes {
		h.Result.AddExtraCode(c)
	}
	m.finishTerminal(ctx, h, StateFailed)
}

func (m *Machine) succeed(ctx context.Context, h *workflow.Handle) {
	h.Result.Code = int32(dispatch.ResultSuccess)
	if h.UpdateManifest != nil {
		id := h.UpdateManifest.UpdateID
		h.Result.InstalledUpdateID = &id
	}
	m.finishTerminal(ctx, h, StateIdle)
}

// finishTerminal applies terminalState to h and reports it, unless h is
// a component child: its result folds into the parent's loop instead of
// being reported on its own.
func (m *Machine) finishTerminal(ctx context.Context, h *workflow.Handle, terminalState State) {
	h.State = int(terminalState)
	if h.Parent != workflow.NoHandle {
		m.completeComponent(ctx, h)
		return
	}
	m.reportAndPersist(ctx, h, true)
}

func (m *Machine) reportAndPersist(ctx context.Context, h *workflow.Handle, terminal bool) {
	if m.reporter != nil {
		_ = m.reporter.ReportState(ctx, h, State(h.State).String(), terminal)
	}
	if m.store == nil || !h.IsRoot() {
		return
	}
	if terminal {
		_ = m.store.Delete(h.PeekID())
		return
	}
	_ = m.store.Save(persistence.Snapshot{
		ID:             h.PeekID(),
		RetryTimestamp: h.RetryTimestamp,
		State:          h.State,
		CurrentStep:    h.CurrentStep,
		Action:         h.UpdateAction,
		Manifest:       h.UpdateManifest,
		Result:         h.Result,
		ForceUpdate:    h.ForceUpdate,
	})
}
