package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"duagent/internal/config"
	"duagent/internal/history"
	"duagent/internal/logging"
	"duagent/internal/transport"
	"duagent/pkg/dispatch"
	"duagent/pkg/ingest"
	"duagent/pkg/persistence"
	"duagent/pkg/registry"
	"duagent/pkg/report"
	"duagent/pkg/statemachine"
	"duagent/pkg/trust"
	"duagent/pkg/workflow"
)

var (
	runActionFile  string
	runTrustBundle string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one update-action payload to completion",
	Long: `run parses a single update-action file (as a device twin would
deliver it), verifies and resolves its manifest, then drives it through
the deployment state machine until it reaches a terminal state.

Any workflow left in-progress by a prior crash is resumed from its
persisted snapshot before the new action (if any) is applied.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runActionFile, "action", "", "path to an update-action JSON file")
	runCmd.Flags().StringVar(&runTrustBundle, "trust-bundle", "", "path to an initial root key package (JWKS or PEM entries)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Initialize(debugFlag || cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	arena := workflow.NewArena(cfg.DownloadsDir)
	store := persistence.New(fs, cfg.SnapshotDir())

	ring := trust.NewKeyRing()
	if runTrustBundle != "" {
		data, err := os.ReadFile(runTrustBundle)
		if err != nil {
			return fmt.Errorf("read trust bundle: %w", err)
		}
		pkg, err := trust.ParseRootKeyPackage(data)
		if err != nil {
			return fmt.Errorf("parse trust bundle: %w", err)
		}
		ring.RotateKeys(pkg)
	}

	reg := registry.New(fs, cfg.ExtensionsDir, &registry.PluginLoader{})
	d := dispatch.New(&dispatch.RegistryResolver{Registry: reg})

	histDB, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		return err
	}
	defer histDB.Close()
	if err := histDB.Migrate(); err != nil {
		return err
	}
	rec := history.NewRecorder(histDB)
	rep := report.New(nil, rec)

	device := statemachine.DeviceProperties{Manufacturer: cfg.DeviceManufacturer, Model: cfg.DeviceModel}
	m := statemachine.New(arena, d, rep, store, device)
	go m.Run(ctx)

	handles, err := resumeSnapshots(arena, store)
	if err != nil {
		return fmt.Errorf("resume snapshots: %w", err)
	}
	logging.Info("resumed %d in-flight workflow(s) from the persistence store", len(handles))
	for _, h := range handles {
		m.Resume(ctx, h)
	}

	if runActionFile == "" {
		return waitForAll(ctx, handles)
	}

	data, err := os.ReadFile(runActionFile)
	if err != nil {
		return fmt.Errorf("read action file: %w", err)
	}

	dl := transport.NewHTTPDownloader()
	outcome, err := ingest.ParseAction(ctx, data, arena, ring, dl)
	if err != nil {
		return fmt.Errorf("parse action: %w", err)
	}

	switch {
	case outcome.Cancel != nil:
		h, ok := handles[outcome.Cancel.WorkflowID]
		if !ok {
			return fmt.Errorf("cancel requested for unknown workflow %q", outcome.Cancel.WorkflowID)
		}
		m.RequestCancel(ctx, h, workflow.CancelRequested)
		handles[outcome.Cancel.WorkflowID] = h
	case outcome.Handle != nil:
		if err := applyDeployment(ctx, m, rec, handles, outcome.Handle); err != nil {
			return err
		}
	}

	return waitForAll(ctx, handles)
}

// applyDeployment decides how h's ProcessDeployment action relates to
// what's already known about its workflow id. An identical resend of an
// in-flight deployment (same id, same retry timestamp) is a no-op. A
// same-id redeployment carrying a new retry timestamp preempts the
// in-flight one as a retry: the current operation is allowed to finish,
// then h's action and manifest take over. An id matching the last update
// this workflow successfully installed is reported Idle without
// starting anything, unless h.ForceUpdate overrides that check.
// Anything else is a fresh deployment.
func applyDeployment(ctx context.Context, m *statemachine.Machine, rec *history.Recorder, handles map[string]*workflow.Handle, h *workflow.Handle) error {
	id := h.PeekID()

	if existing, ok := handles[id]; ok {
		if existing.RetryTimestamp == h.RetryTimestamp {
			return nil
		}
		m.RequestRetry(ctx, existing, &workflow.DeferredReplacement{
			Action:   h.UpdateAction,
			Manifest: h.UpdateManifest,
		})
		return nil
	}

	if !h.ForceUpdate && h.UpdateManifest != nil {
		last, err := rec.LastInstalledUpdateID(id)
		if err != nil {
			return fmt.Errorf("history: last installed update: %w", err)
		}
		if last != nil && *last == h.UpdateManifest.UpdateID {
			logging.Info("workflow %s: update %s is already installed, skipping", id, last.String())
			return nil
		}
	}

	handles[id] = h
	m.Start(ctx, h)
	return nil
}

// resumeSnapshots reconstructs a workflow.Handle for every snapshot the
// persistence store has on disk, keyed by workflow id, restoring the
// in-progress state and step it was last reported at.
func resumeSnapshots(arena *workflow.Arena, store *persistence.Store) (map[string]*workflow.Handle, error) {
	snaps, err := store.LoadAll()
	if err != nil {
		return nil, err
	}

	handles := make(map[string]*workflow.Handle, len(snaps))
	for _, snap := range snaps {
		h := arena.NewRoot(snap.Action, snap.Manifest)
		h.State = snap.State
		h.CurrentStep = snap.CurrentStep
		h.Result = snap.Result
		h.ForceUpdate = snap.ForceUpdate
		h.RetryTimestamp = snap.RetryTimestamp
		handles[h.PeekID()] = h
	}
	return handles, nil
}

// waitForAll blocks until every handle reaches a terminal state (or ctx
// is cancelled), printing each one's final result, then returns an error
// if any workflow did not end in Success or Skipped.
func waitForAll(ctx context.Context, handles map[string]*workflow.Handle) error {
	if len(handles) == 0 {
		return nil
	}

	failed := false
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	pending := make(map[string]*workflow.Handle, len(handles))
	for id, h := range handles {
		pending[id] = h
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for id, h := range pending {
				if !waitDone(h) {
					continue
				}
				printResult(id, h)
				if h.Result.Code != int32(dispatch.ResultSuccess) && h.Result.Code != int32(dispatch.ResultSkipped) {
					failed = true
				}
				delete(pending, id)
			}
		}
	}

	if failed {
		return fmt.Errorf("one or more workflows did not complete successfully")
	}
	return nil
}

// waitDone reports whether h has nothing further for the state machine
// to do: either a genuine terminal state (Failed/Cancelled), or Idle
// with a recorded result, which is how a successfully completed
// deployment comes to rest. Idle alone is not enough, since a handle
// that has not yet been started also reads as its zero value, Idle.
func waitDone(h *workflow.Handle) bool {
	if statemachine.State(h.State).IsTerminal() {
		return true
	}
	return statemachine.State(h.State) == statemachine.StateIdle && h.Result.Code != 0
}

func printResult(workflowID string, h *workflow.Handle) {
	state := statemachine.State(h.State)
	installed := "-"
	if h.Result.InstalledUpdateID != nil {
		installed = h.Result.InstalledUpdateID.String()
	}
	fmt.Printf("workflow %s: %s (code=%d installed=%s)\n", workflowID, state, h.Result.Code, installed)
	if h.Result.Details != "" {
		fmt.Printf("  details: %s\n", h.Result.Details)
	}
}
