/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scenario

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run runs sc in its own Session. Whatever the body does, the guests it created are destroyed,
// the daemon is terminated and the working directories are removed before Run returns.
func Run(ctx context.Context, env *Env, sc Scenario) report.ScenarioResult {
	result := report.ScenarioResult{
		Name:        sc.Name,
		Description: sc.Description,
		StartTime:   time.Now(),
	}

	s := newSession(ctx, env, &result)
	s.log.Info("scenario started")

	err := Ensure(s.cleanups, func() error { return sc.Run(ctx, s) })

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime).Seconds()

	if err != nil {
		result.Status = report.StatusFailed
		result.Errors = append([]report.ErrorInfo{{
			Timestamp: result.EndTime,
			Severity:  report.SeverityError,
			Kind:      Classify(err),
			Message:   err.Error(),
		}}, result.Errors...)

		attrs := []any{"error", err.Error(), "kind", Classify(err)}
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			attrs = append(attrs, "stack", string(panicErr.Stack))
		}
		s.log.Error("scenario failed", attrs...)

		for _, out := range result.DaemonOutputs {
			s.log.Warn("daemon output", "exitCode", out.ExitCode, "stdout", out.Stdout, "stderr", out.Stderr)
		}
	} else {
		result.Status = report.StatusPassed
		s.log.Info("scenario passed", "duration", result.EndTime.Sub(result.StartTime).String())
	}

	for _, cerr := range s.cleanups.Errors() {
		result.Errors = append(result.Errors, report.ErrorInfo{
			Timestamp: result.EndTime,
			Severity:  report.SeverityWarning,
			Kind:      report.KindCleanup,
			Message:   cerr.Error(),
		})
	}

	if env.Recorder != nil {
		env.Recorder.ObserveScenario(sc.Name, result.Status, result.EndTime.Sub(result.StartTime))
	}

	return result
}

// Runner runs scenarios concurrently, each one sequentially.
type Runner struct {
	Env *Env
	// Parallel is the maximum number of scenarios running at once; at least 1. Scenarios sharing
	// one daemon and its state directories must run with 1.
	Parallel int
	// Info describes the control plane in the report.
	Info report.ControlPlaneInfo
}

// Run runs scenarios and returns the finalized run result. A failing scenario does not stop the
// others. Scenarios not started when ctx is done are reported as skipped.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) *report.RunResult {
	start := time.Now()

	info := r.Info
	if info.URI == "" {
		info.URI = r.Env.ControlPlane.URI()
	}

	run := &report.RunResult{
		Version: report.Version,
		RunID:   NewRunID(start),
		Execution: report.ExecutionInfo{
			StartTime:    start,
			Architecture: r.Env.arch(),
		},
		ControlPlane: info,
	}

	results := make([]report.ScenarioResult, len(scenarios))

	var g errgroup.Group
	g.SetLimit(max(r.Parallel, 1))

	for i, sc := range scenarios {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = report.ScenarioResult{
					Name:        sc.Name,
					Description: sc.Description,
					Status:      report.StatusSkipped,
				}
				return nil
			}
			results[i] = Run(ctx, r.Env, sc)
			return nil
		})
	}
	_ = g.Wait()

	run.Scenarios = results
	run.Finalize(time.Now())

	slog.Info("run finished",
		"runID", run.RunID,
		"status", run.Execution.Status,
		"passed", run.Summary.Passed,
		"failed", run.Summary.Failed,
		"skipped", run.Summary.Skipped,
	)

	return run
}

// NewRunID returns a sortable, unique run id.
func NewRunID(t time.Time) string {
	return "run-" + t.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
