// Package manifest defines the wire data model delivered by the cloud twin:
// update-actions, update-manifests, and the steps and files they reference.
// The package does no I/O and performs no signature verification; see
// pkg/trust for the signing-key trust anchor and pkg/ingest for the
// orchestration that turns a raw twin payload into a verified manifest.
package manifest

import "encoding/json"

// ActionType mirrors the integer `action` field of an update-action message.
type ActionType int

const (
	ActionUnknown           ActionType = 0
	ActionProcessDeployment ActionType = 3
	ActionCancel            ActionType = 255
)

func (a ActionType) String() string {
	switch a {
	case ActionProcessDeployment:
		return "ProcessDeployment"
	case ActionCancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// WorkflowRef identifies a cloud-assigned deployment.
type WorkflowRef struct {
	ID             string `json:"id"`
	RetryTimestamp string `json:"retryTimestamp,omitempty"`
}

// UpdateAction is the root message delivered in the twin's desired section.
type UpdateAction struct {
	Action                  ActionType        `json:"action"`
	Workflow                WorkflowRef       `json:"workflow"`
	RootKeyPackageURL       string            `json:"rootKeyPackageUrl,omitempty"`
	UpdateManifestRaw       string            `json:"-"` // exact bytes the signature was computed over
	UpdateManifestSignature string            `json:"updateManifestSignature"`
	FileURLs                map[string]string `json:"fileUrls"`

	// ForceUpdate is not part of the wire payload; it is set by the caller
	// (e.g. a CLI "force reinstall" flag) before the action reaches the
	// state machine, to bypass the installed-version check it would
	// otherwise perform.
	ForceUpdate bool `json:"-"`
}

// rawUpdateAction is used to capture updateManifest in its original form
// (string or embedded object) before it is promoted into an UpdateManifest.
type rawUpdateAction struct {
	Action                  ActionType      `json:"action"`
	Workflow                WorkflowRef     `json:"workflow"`
	RootKeyPackageURL       string          `json:"rootKeyPackageUrl,omitempty"`
	UpdateManifest          json.RawMessage `json:"updateManifest"`
	UpdateManifestSignature string          `json:"updateManifestSignature"`
	FileURLs                map[string]string `json:"fileUrls"`
}

// UpdateID identifies a specific update artifact.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// String renders "provider/name-version" for logs and reports.
func (u UpdateID) String() string {
	return u.Provider + "/" + u.Name + "-" + u.Version
}

// CompatibilityEntry gates a manifest to specific device models.
type CompatibilityEntry struct {
	DeviceManufacturer string `json:"deviceManufacturer"`
	DeviceModel        string `json:"deviceModel"`
}

// RelatedFile carries download-handler inputs such as delta base files.
type RelatedFile struct {
	FileID     string            `json:"fileId"`
	Hashes     map[string]string `json:"hashes"`
	Properties map[string]string `json:"properties,omitempty"`
}

// FileEntry describes one file referenced by a manifest or step.
type FileEntry struct {
	FileName          string            `json:"fileName"`
	SizeInBytes       int64             `json:"sizeInBytes"`
	Hashes            map[string]string `json:"hashes"`
	DownloadHandlerID string            `json:"downloadHandlerId,omitempty"`
	RelatedFiles      []RelatedFile     `json:"relatedFiles,omitempty"`
}

// StepType distinguishes inline steps (carry a handler directly) from
// reference steps (name a child manifest).
type StepType string

const (
	StepInline    StepType = "inline"
	StepReference StepType = "reference"
)

// InstallRule controls whether a proxy-update component loop aborts or
// continues past a failed step.
type InstallRule string

const (
	InstallRuleAbortOnFailure    InstallRule = "abortOnFailure"
	InstallRuleContinueOnFailure InstallRule = "continueOnFailure"
)

// Step is one entry of instructions.steps.
type Step struct {
	Type                   StepType               `json:"type"`
	Handler                string                 `json:"handler,omitempty"`
	Files                  []string               `json:"files,omitempty"`
	HandlerProperties      map[string]interface{} `json:"handlerProperties,omitempty"`
	DetachedManifestFileID string                 `json:"detachedManifestFileId,omitempty"`
	InstallRule            InstallRule            `json:"installRule,omitempty"`
}

// IsInline reports whether this step carries its own handler and files.
func (s Step) IsInline() bool { return s.Type == StepInline }

// Instructions is the ordered list of steps a manifest executes.
type Instructions struct {
	Steps []Step `json:"steps"`
}

// UpdateManifest is the v4+ update description, either inline in the twin
// payload or fetched as a detached file.
type UpdateManifest struct {
	ManifestVersion        int                   `json:"manifestVersion"`
	UpdateID               UpdateID              `json:"updateId"`
	UpdateType             string                `json:"updateType"`
	Compatibility          []CompatibilityEntry  `json:"compatibility,omitempty"`
	Files                  map[string]FileEntry  `json:"files"`
	Instructions           *Instructions         `json:"instructions,omitempty"`
	DetachedManifestFileID string                `json:"detachedManifestFileId,omitempty"`
}

// MinManifestVersion and MaxManifestVersion bound the manifestVersion the
// agent accepts.
const (
	MinManifestVersion = 4
	MaxManifestVersion = 5
)
