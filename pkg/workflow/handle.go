// Package workflow implements the workflow tree: the in-memory data
// model for one deployment and its child workflows, and the arena that
// owns their storage. Nodes live in a slab indexed by a stable HandleID
// rather than linked by pointers, so the dispatcher goroutine and worker
// goroutines can pass handles around without ownership ambiguity. A
// worker only ever needs the HandleID to look its node back up in the
// Arena it was given.
package workflow

import "duagent/pkg/manifest"

// HandleID is a stable index into an Arena's node slab.
type HandleID int

// NoHandle is the sentinel meaning "no parent" / "not found". It is not
// HandleID's zero value: 0 is the first id an Arena hands out.
const NoHandle HandleID = -1

// CancellationType distinguishes why an operation is being cancelled:
// an outright cancel, a retry of the same deployment, or a replacement
// by a newer one.
type CancellationType int

const (
	CancelNone CancellationType = iota
	CancelRequested
	CancelRetry
	CancelReplacement
)

// Result is a workflow handle's recorded outcome.
type Result struct {
	Code             int32
	ExtendedCode     int32
	ExtraCodes       []int32
	Details          string
	InstalledUpdateID *manifest.UpdateID
}

// MaxExtraCodes caps the auxiliary extended-result codes attached to a
// terminal report.
const MaxExtraCodes = 8

// AddExtraCode appends an auxiliary code, dropping it once the cap is
// reached rather than growing unbounded.
func (r *Result) AddExtraCode(code int32) {
	if len(r.ExtraCodes) >= MaxExtraCodes {
		return
	}
	r.ExtraCodes = append(r.ExtraCodes, code)
}

// Properties holds a node's mutable per-workflow bookkeeping: its
// sandbox paths, selected components, and pending cancel/reboot/restart
// flags.
type Properties struct {
	WorkFolder                string
	SandboxRoot                string
	SelectedComponents         []string
	CancelRequested            bool
	RebootRequested            bool
	ImmediateRebootRequested   bool
	AgentRestartRequested      bool
	ImmediateAgentRestartRequested bool
}

// DeferredReplacement holds a replacement deployment's action+manifest,
// parked while the active handle's operation finishes.
type DeferredReplacement struct {
	Action   *manifest.UpdateAction
	Manifest *manifest.UpdateManifest
	RawStr   string
}

// Handle is one node of the Workflow Tree: a root deployment, or a child
// produced by expanding a reference or inline step.
type Handle struct {
	ID    HandleID
	Arena *Arena

	// RetryTimestamp mirrors workflow.retryTimestamp, used to distinguish
	// a genuinely new deployment from a retry of the same one.
	RetryTimestamp string

	Level     int // 0 for root, parent.Level+1 for children
	StepIndex int // index into the parent's instructions.steps, -1 for root

	UpdateAction   *manifest.UpdateAction
	UpdateManifest *manifest.UpdateManifest

	Properties Properties

	State       int // cast to statemachine.State by pkg/statemachine
	CurrentStep int // cast to statemachine.Step by pkg/statemachine

	Result Result

	Parent   HandleID
	Children []HandleID

	OperationInProgress bool
	OperationCancelled  bool
	CancellationType    CancellationType
	DeferredReplacement *DeferredReplacement

	FileInodes []int64

	ForceUpdate bool

	// ComponentCursor indexes the next instructions.steps entry a root
	// handle's component loop has yet to run; ComponentFailed remembers
	// whether any component has already failed under a continueOnFailure
	// install rule, so the terminal report reflects the worst outcome.
	ComponentCursor int
	ComponentFailed bool

	// forceID overrides PeekID's derivation when set, used when a
	// synthesized handle's identity must differ from its workflow.id.
	forceID string
}

// PeekID returns the handle's stable identity: the forced id if one was
// explicitly set, otherwise workflow.id. Idempotent across repeated
// calls.
func (h *Handle) PeekID() string {
	if h.forceID != "" {
		return h.forceID
	}
	if h.UpdateAction != nil {
		return h.UpdateAction.Workflow.ID
	}
	return ""
}

// SetID overrides the handle's identity (properties._id), used when
// synthesizing child handles from inline steps whose id must differ from
// the parent's workflow.id.
func (h *Handle) SetID(id string) { h.forceID = id }

// Fingerprint returns the stable key used to detect duplicate
// deployments, formed from updateId and workflow.id.
func (h *Handle) Fingerprint() string {
	uid := ""
	if h.UpdateManifest != nil {
		uid = h.UpdateManifest.UpdateID.String()
	}
	return uid + "|" + h.PeekID()
}

// IsRoot reports whether this handle has no parent.
func (h *Handle) IsRoot() bool { return h.Parent == NoHandle }
