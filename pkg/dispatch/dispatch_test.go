package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duagent/pkg/manifest"
	"duagent/pkg/workflow"
)

type fakeHandler struct {
	installResult HandlerResult
	installErr    error
}

func (f *fakeHandler) GetContractInfo() (int, int) { return 1, 0 }

func (f *fakeHandler) Install(ctx context.Context, h *workflow.Handle) (HandlerResult, error) {
	return f.installResult, f.installErr
}

type fakeResolver struct {
	handler interface{}
	major   int
	minor   int
	err     error
}

func (f *fakeResolver) Load(ctx context.Context, updateType string) (interface{}, int, int, error) {
	return f.handler, f.major, f.minor, f.err
}

func newHandleWithUpdateType(updateType string) *workflow.Handle {
	arena := workflow.NewArena("/var/lib/duagent/downloads")
	return arena.NewRoot(
		&manifest.UpdateAction{Workflow: manifest.WorkflowRef{ID: "deploy-1"}},
		&manifest.UpdateManifest{UpdateType: updateType},
	)
}

func TestDispatch_InstallSuccess(t *testing.T) {
	h := newHandleWithUpdateType("microsoft/apt:1")
	handler := &fakeHandler{installResult: HandlerResult{Code: ResultSuccess}}
	d := New(&fakeResolver{handler: handler, major: 1, minor: 0})

	res, err := d.Dispatch(context.Background(), h, OpInstall)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Code)
}

func TestDispatch_UnsupportedOperation(t *testing.T) {
	h := newHandleWithUpdateType("microsoft/apt:1")
	handler := &fakeHandler{}
	d := New(&fakeResolver{handler: handler, major: 1, minor: 0})

	_, err := d.Dispatch(context.Background(), h, OpApply)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationNotSupported)
}

func TestDispatch_ContractMajorMismatch(t *testing.T) {
	h := newHandleWithUpdateType("microsoft/apt:1")
	handler := &fakeHandler{}
	d := New(&fakeResolver{handler: handler, major: 2, minor: 0})

	_, err := d.Dispatch(context.Background(), h, OpInstall)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedContract)
}

func TestDispatch_HandlerNotFound(t *testing.T) {
	h := newHandleWithUpdateType("microsoft/apt:1")
	d := New(&fakeResolver{err: assertAnError{}})

	_, err := d.Dispatch(context.Background(), h, OpInstall)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "resolve failed" }

func TestResult_IsTerminal(t *testing.T) {
	assert.True(t, ResultSuccess.IsTerminal())
	assert.True(t, ResultFailed.IsTerminal())
	assert.False(t, ResultInProgress.IsTerminal())
	assert.False(t, ResultRequiredReboot.IsTerminal())
}
