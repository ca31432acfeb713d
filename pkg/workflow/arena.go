package workflow

import (
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"duagent/pkg/manifest"
)

// Arena owns the storage for every Handle in one agent process. Handles
// reference each other by HandleID, not by pointer, so parent and child
// nodes never form a pointer cycle.
type Arena struct {
	mu              sync.RWMutex
	nodes           map[HandleID]*Handle
	nextID          HandleID
	downloadsFolder string
}

// NewArena creates an empty arena rooted at downloadsFolder, the base
// directory under which every root handle's sandbox is created:
// <downloadsFolder>/<workflow.id> for a root handle.
func NewArena(downloadsFolder string) *Arena {
	return &Arena{
		nodes:           make(map[HandleID]*Handle),
		downloadsFolder: downloadsFolder,
	}
}

// NewRoot allocates a root handle for a freshly parsed, validated
// update-action and manifest.
func (a *Arena) NewRoot(action *manifest.UpdateAction, um *manifest.UpdateManifest) *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++

	h := &Handle{
		ID:             id,
		Arena:          a,
		RetryTimestamp: action.Workflow.RetryTimestamp,
		Level:          0,
		StepIndex:      -1,
		UpdateAction:   action,
		UpdateManifest: um,
		Parent:         NoHandle,
		ForceUpdate:    action.ForceUpdate,
	}
	h.Properties.WorkFolder = path.Join(a.downloadsFolder, h.PeekID())
	h.Properties.SandboxRoot = h.Properties.WorkFolder
	a.nodes[id] = h
	return h
}

// Get returns the handle for id, or nil if it has been removed.
func (a *Arena) Get(id HandleID) *Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodes[id]
}

// InsertChild creates a child of parent using childManifest's update-type,
// attaching it at the given index (or appended, if index < 0).
func (a *Arena) InsertChild(parent *Handle, stepIndex int, childAction *manifest.UpdateAction, childManifest *manifest.UpdateManifest, index int) *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++

	child := &Handle{
		ID:             id,
		Arena:          a,
		RetryTimestamp: parent.RetryTimestamp,
		Level:          parent.Level + 1,
		StepIndex:      stepIndex,
		UpdateAction:   childAction,
		UpdateManifest: childManifest,
		Parent:         parent.ID,
		ForceUpdate:    parent.ForceUpdate,
	}
	childID := fmt.Sprintf("%s-%d", parent.PeekID(), stepIndex)
	child.SetID(childID)
	child.Properties.WorkFolder = path.Join(parent.Properties.WorkFolder, childID)
	child.Properties.SandboxRoot = child.Properties.WorkFolder

	a.nodes[id] = child

	if index < 0 || index >= len(parent.Children) {
		parent.Children = append(parent.Children, id)
	} else {
		parent.Children = append(parent.Children[:index+1], parent.Children[index:]...)
		parent.Children[index] = id
	}
	return child
}

// RemoveChild detaches and frees the child at index (or the last child,
// if index < 0). A child handle is normally freed along with its parent;
// explicit removal is also used for completed reference-step children
// once processed.
func (a *Arena) RemoveChild(parent *Handle, index int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(parent.Children) == 0 {
		return
	}
	if index < 0 {
		index = len(parent.Children) - 1
	}
	if index >= len(parent.Children) {
		return
	}

	childID := parent.Children[index]
	delete(a.nodes, childID)
	parent.Children = append(parent.Children[:index], parent.Children[index+1:]...)
}

// Remove detaches a root handle (and, recursively, its children) from the
// arena entirely. pkg/statemachine does not call it: a root handle that
// reaches a terminal state stays in the arena.
func (a *Arena) Remove(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeRecursive(h.ID)
}

func (a *Arena) removeRecursive(id HandleID) {
	h, ok := a.nodes[id]
	if !ok {
		return
	}
	for _, childID := range h.Children {
		a.removeRecursive(childID)
	}
	delete(a.nodes, id)
}

// IterateChildren calls fn for each child of parent, in manifest-declared
// order, stopping early if fn returns false.
func (a *Arena) IterateChildren(parent *Handle, fn func(child *Handle) bool) {
	a.mu.RLock()
	children := append([]HandleID(nil), parent.Children...)
	a.mu.RUnlock()

	for _, id := range children {
		child := a.Get(id)
		if child == nil {
			continue
		}
		if !fn(child) {
			return
		}
	}
}

// Workfolder returns the sandbox path for h: `<parent>/<id>` for a child,
// `<downloadsFolder>/<id>` for a root, unless SetSandbox has overridden it
// explicitly.
func (a *Arena) Workfolder(h *Handle) string {
	if h.Properties.WorkFolder != "" {
		return h.Properties.WorkFolder
	}
	if h.IsRoot() {
		return path.Join(a.downloadsFolder, h.PeekID())
	}
	parent := a.Get(h.Parent)
	if parent == nil {
		return path.Join(a.downloadsFolder, h.PeekID())
	}
	return path.Join(a.Workfolder(parent), h.PeekID())
}

// SetSandbox explicitly overrides h's sandbox path.
func (a *Arena) SetSandbox(h *Handle, path string) {
	h.Properties.WorkFolder = path
	h.Properties.SandboxRoot = path
}

// SandboxContains reports whether child's sandbox path is nested under
// parent's.
func SandboxContains(parentPath, childPath string) bool {
	if len(childPath) <= len(parentPath) {
		return false
	}
	return childPath[:len(parentPath)] == parentPath && childPath[len(parentPath)] == '/'
}

// UpdateFileCount grows FileInodes to hold n entries.
func (h *Handle) UpdateFileCount(n int) {
	if len(h.FileInodes) >= n {
		return
	}
	grown := make([]int64, n)
	copy(grown, h.FileInodes)
	h.FileInodes = grown
}

// UpdateFileInode records the inode number the downloader reported for
// file index i, used to detect a file that's already on disk across a
// reboot.
func (h *Handle) UpdateFileInode(i int, inode int64) {
	h.UpdateFileCount(i + 1)
	h.FileInodes[i] = inode
}

// GetCompatibility returns the manifest's compatibility entries, or nil
// for a manifest that declares none (compatible with any device).
func (h *Handle) GetCompatibility() []manifest.CompatibilityEntry {
	if h.UpdateManifest == nil {
		return nil
	}
	return h.UpdateManifest.Compatibility
}

// GetInstructionsStepsCount returns the number of steps in the handle's
// manifest, or 0 if it has no instructions block.
func (h *Handle) GetInstructionsStepsCount() int {
	if h.UpdateManifest == nil || h.UpdateManifest.Instructions == nil {
		return 0
	}
	return len(h.UpdateManifest.Instructions.Steps)
}

func (h *Handle) step(index int) (manifest.Step, bool) {
	if h.UpdateManifest == nil || h.UpdateManifest.Instructions == nil {
		return manifest.Step{}, false
	}
	steps := h.UpdateManifest.Instructions.Steps
	if index < 0 || index >= len(steps) {
		return manifest.Step{}, false
	}
	return steps[index], true
}

// PeekStepType returns the type of step at index.
func (h *Handle) PeekStepType(index int) (manifest.StepType, bool) {
	s, ok := h.step(index)
	if !ok {
		return "", false
	}
	return s.Type, true
}

// PeekStepHandler returns the handler key of an inline step at index.
func (h *Handle) PeekStepHandler(index int) (string, bool) {
	s, ok := h.step(index)
	if !ok {
		return "", false
	}
	return s.Handler, true
}

// PeekStepHandlerPropertiesString returns the step's handlerProperties
// re-serialized as a JSON string, for handlers that expect a flat string
// blob rather than a structured map.
func (h *Handle) PeekStepHandlerPropertiesString(index int) (string, bool) {
	s, ok := h.step(index)
	if !ok {
		return "", false
	}
	b, err := json.Marshal(s.HandlerProperties)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// GetStepDetachedManifestFile returns the fileId a reference step names.
func (h *Handle) GetStepDetachedManifestFile(index int) (string, bool) {
	s, ok := h.step(index)
	if !ok || s.Type != manifest.StepReference {
		return "", false
	}
	return s.DetachedManifestFileID, true
}

// IsInlineStep reports whether the step at index is an inline step.
func (h *Handle) IsInlineStep(index int) bool {
	s, ok := h.step(index)
	return ok && s.Type == manifest.StepInline
}

// PeekStepInstallRule returns the install rule governing step index,
// defaulting to abortOnFailure when the manifest leaves it unset.
func (h *Handle) PeekStepInstallRule(index int) (manifest.InstallRule, bool) {
	s, ok := h.step(index)
	if !ok {
		return manifest.InstallRuleAbortOnFailure, false
	}
	if s.InstallRule == "" {
		return manifest.InstallRuleAbortOnFailure, true
	}
	return s.InstallRule, true
}

// CreateFromInlineStep synthesizes a child handle whose updateType is the
// step's handler and whose files contain only the fileIds the step
// references. The step's handlerProperties are not copied onto the
// child. The synthesized child's instructions block is stripped: it has
// no steps of its own to execute.
func (a *Arena) CreateFromInlineStep(base *Handle, stepIndex int) (*Handle, error) {
	s, ok := base.step(stepIndex)
	if !ok || s.Type != manifest.StepInline {
		return nil, fmt.Errorf("workflow: step %d of %q is not an inline step", stepIndex, base.PeekID())
	}
	if base.UpdateManifest == nil {
		return nil, fmt.Errorf("workflow: base handle %q has no manifest", base.PeekID())
	}

	childFiles := make(map[string]manifest.FileEntry, len(s.Files))
	for _, fileID := range s.Files {
		if fe, ok := base.UpdateManifest.Files[fileID]; ok {
			childFiles[fileID] = fe
		}
	}

	childManifest := &manifest.UpdateManifest{
		ManifestVersion: base.UpdateManifest.ManifestVersion,
		UpdateID:        base.UpdateManifest.UpdateID,
		UpdateType:      s.Handler,
		Compatibility:   base.UpdateManifest.Compatibility,
		Files:           childFiles,
		Instructions:    nil,
	}

	childAction := &manifest.UpdateAction{
		Action:   manifest.ActionProcessDeployment,
		Workflow: base.UpdateAction.Workflow,
		FileURLs: base.UpdateAction.FileURLs,
	}

	child := a.InsertChild(base, stepIndex, childAction, childManifest, -1)
	child.Properties.SelectedComponents = append([]string(nil), base.Properties.SelectedComponents...)
	return child, nil
}
