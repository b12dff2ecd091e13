// Package recovery reconciles persisted state after a process restart.
//
// Runs suspended on a wait state are legitimately resumable and are left
// alone. A run that was mid-turn when the process died is parked on a
// non-wait state; re-entering it could repeat side effects, so those runs are
// failed and their sessions released.
package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/store"
)

// Result summarizes one recovery pass.
type Result struct {
	Resumable int
	Failed    int
}

// Recover scans active runs and settles the ones that cannot continue.
func Recover(st store.Store, flows *flow.Registry) (Result, error) {
	var res Result

	runs, err := st.ListActiveRuns()
	if err != nil {
		return res, fmt.Errorf("failed to list active runs: %w", err)
	}
	slog.Info("Recovery scanning active runs", "count", len(runs))

	for i := range runs {
		run := runs[i]
		if resumable(flows, &run) {
			res.Resumable++
			slog.Debug("Recovery keeping resumable run", "runID", run.ID, "flowID", run.FlowID, "state", run.CurrentState)
			continue
		}

		run.Status = models.RunStatusFailed
		run.UpdatedAt = time.Now()
		if err := st.SaveRun(run); err != nil {
			slog.Error("Recovery failed to persist failed run", "error", err, "runID", run.ID)
			continue
		}
		res.Failed++
		slog.Warn("Recovery failed interrupted run", "runID", run.ID, "flowID", run.FlowID, "state", run.CurrentState)

		releaseSession(st, &run)
	}

	slog.Info("Recovery completed", "resumable", res.Resumable, "failed", res.Failed)
	return res, nil
}

// resumable reports whether the run is safely parked: its definition snapshot
// still exists and its current state is a wait state.
func resumable(flows *flow.Registry, run *models.FlowRun) bool {
	def := flows.GetVersion(run.FlowID, run.FlowVersion)
	if def == nil {
		return false
	}
	state, ok := def.States[run.CurrentState]
	if !ok {
		return false
	}
	return state.Type == models.StateTypeWait
}

// releaseSession clears the session's active-run pointer when it still
// references the failed run.
func releaseSession(st store.Store, run *models.FlowRun) {
	sess, err := st.GetSession(run.SessionKey)
	if err != nil {
		slog.Error("Recovery failed to load session", "error", err, "sessionKey", run.SessionKey)
		return
	}
	if sess == nil || sess.ActiveRunID != run.ID {
		return
	}
	sess.ActiveRunID = ""
	sess.UpdatedAt = time.Now()
	if err := st.SaveSession(*sess); err != nil {
		slog.Error("Recovery failed to release session", "error", err, "sessionKey", sess.Key)
	}
}
