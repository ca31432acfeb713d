// Package dispatch implements the stateless call surface between the
// workflow state machine and a registered extension handler: a handler
// is resolved by update type and invoked synchronously per operation.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"duagent/pkg/workflow"
)

var (
	ErrHandlerNotFound      = errors.New("dispatch: no handler registered for update type")
	ErrUnsupportedContract  = errors.New("dispatch: handler contract version is not supported")
	ErrOperationNotSupported = errors.New("dispatch: handler does not implement requested operation")
)

// Operation names the lifecycle call a dispatch invokes on a handler.
type Operation string

const (
	OpIsInstalled Operation = "IsInstalled"
	OpDownload    Operation = "Download"
	OpInstall     Operation = "Install"
	OpApply       Operation = "Apply"
	OpCancel      Operation = "Cancel"
	OpBackup      Operation = "Backup"
	OpRestore     Operation = "Restore"
)

// Result is the typed return code every handler operation reports.
// Numeric values follow ADUC's own result-code convention so they read
// sensibly alongside the extended codes a handler may also return.
type Result int32

const (
	ResultFailed               Result = 0
	ResultSuccess              Result = 500
	ResultSkipped              Result = 501
	ResultInProgress           Result = 502
	ResultRequiredReboot       Result = 503
	ResultRequiredAgentRestart Result = 504
	ResultCancelled            Result = 505
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultSkipped:
		return "Skipped"
	case ResultInProgress:
		return "InProgress"
	case ResultRequiredReboot:
		return "RequiredReboot"
	case ResultRequiredAgentRestart:
		return "RequiredAgentRestart"
	case ResultCancelled:
		return "Cancelled"
	case ResultFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Result(%d)", int32(r))
	}
}

// IsTerminal reports whether r ends the step without further dispatch:
// Success, Skipped, Failed, and Cancelled are terminal; InProgress,
// RequiredReboot, and RequiredAgentRestart all require the state machine
// to act (poll again, or wait for a reboot/restart) before the step can
// be considered done.
func (r Result) IsTerminal() bool {
	switch r {
	case ResultSuccess, ResultSkipped, ResultFailed, ResultCancelled:
		return true
	default:
		return false
	}
}

// HandlerResult is what a handler operation returns: the typed result
// code plus the same extended-code/details shape a terminal workflow
// result carries, so a handler's outcome can be copied directly onto
// workflow.Result.
type HandlerResult struct {
	Code         Result
	ExtendedCode int32
	ExtraCodes   []int32
	Details      string
}

// Handler is the extension ABI contract every update handler plugin
// implements. A plugin's exported symbol need only implement the
// operations it participates in: a handler that has no backup/restore
// step is free to omit those methods, so Dispatcher checks for each one
// via a narrower interface before calling it (see Dispatch).
type Handler interface {
	GetContractInfo() (major, minor int)
}

type IsInstalledHandler interface {
	IsInstalled(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type DownloadHandler interface {
	Download(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type InstallHandler interface {
	Install(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type ApplyHandler interface {
	Apply(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type CancelHandler interface {
	Cancel(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type BackupHandler interface {
	Backup(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}
type RestoreHandler interface {
	Restore(ctx context.Context, h *workflow.Handle) (HandlerResult, error)
}

// Resolver looks up the handler registered for a manifest's updateType.
// RegistryResolver adapts pkg/registry.Registry to it, returning the
// loaded registry.Plugin's Handler field, which Dispatch then asserts
// against the narrower per-operation interfaces.
type Resolver interface {
	Load(ctx context.Context, updateType string) (handler interface{}, contractMajor, contractMinor int, err error)
}

// SupportedContractMajor is the ABI major version this agent speaks. The
// dispatcher refuses a handler whose major version it does not recognize,
// since a major bump signals a breaking call-surface change.
const SupportedContractMajor = 1

// Dispatcher is the stateless call surface: it holds no per-workflow
// state of its own, resolving a handler fresh (subject to the
// registry's own caching) on every Dispatch call.
type Dispatcher struct {
	resolver Resolver
}

// New creates a Dispatcher that resolves handlers through resolver.
func New(resolver Resolver) *Dispatcher {
	return &Dispatcher{resolver: resolver}
}

// Dispatch invokes op against the handler registered for h's manifest
// updateType, synchronously, returning its typed result.
func (d *Dispatcher) Dispatch(ctx context.Context, h *workflow.Handle, op Operation) (HandlerResult, error) {
	updateType := handlerKey(h)
	raw, major, _, err := d.resolver.Load(ctx, updateType)
	if err != nil {
		return HandlerResult{Code: ResultFailed}, fmt.Errorf("%w: %s: %v", ErrHandlerNotFound, updateType, err)
	}
	if major != SupportedContractMajor {
		return HandlerResult{Code: ResultFailed}, fmt.Errorf("%w: handler %s speaks v%d, agent speaks v%d",
			ErrUnsupportedContract, updateType, major, SupportedContractMajor)
	}

	switch op {
	case OpIsInstalled:
		if hdl, ok := raw.(IsInstalledHandler); ok {
			return hdl.IsInstalled(ctx, h)
		}
	case OpDownload:
		if hdl, ok := raw.(DownloadHandler); ok {
			return hdl.Download(ctx, h)
		}
	case OpInstall:
		if hdl, ok := raw.(InstallHandler); ok {
			return hdl.Install(ctx, h)
		}
	case OpApply:
		if hdl, ok := raw.(ApplyHandler); ok {
			return hdl.Apply(ctx, h)
		}
	case OpCancel:
		if hdl, ok := raw.(CancelHandler); ok {
			return hdl.Cancel(ctx, h)
		}
	case OpBackup:
		if hdl, ok := raw.(BackupHandler); ok {
			return hdl.Backup(ctx, h)
		}
	case OpRestore:
		if hdl, ok := raw.(RestoreHandler); ok {
			return hdl.Restore(ctx, h)
		}
	}
	return HandlerResult{Code: ResultFailed}, fmt.Errorf("%w: %s does not implement %s", ErrOperationNotSupported, updateType, op)
}

func handlerKey(h *workflow.Handle) string {
	if h.UpdateManifest != nil && h.UpdateManifest.UpdateType != "" {
		return h.UpdateManifest.UpdateType
	}
	return ""
}
