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

package report

import "time"

const Version = "1.0.0"

const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Error kinds, from the most to the least specific.
const (
	KindSpawn            = "spawn"
	KindBootTimeout      = "boot_timeout"
	KindCommand          = "command"
	KindParse            = "parse"
	KindUnexpectedOutput = "unexpected_output"
	KindAssertion        = "assertion"
	KindPanic            = "panic"
	KindCleanup          = "cleanup"
	KindOther            = "error"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// RunResult is the outcome of one harness run.
type RunResult struct {
	Version      string           `json:"version"`
	RunID        string           `json:"runID"`
	Execution    ExecutionInfo    `json:"execution"`
	ControlPlane ControlPlaneInfo `json:"controlPlane"`
	Scenarios    []ScenarioResult `json:"scenarios"`
	Summary      Stats            `json:"summary"`
}

// ExecutionInfo contains run execution metadata
type ExecutionInfo struct {
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Duration     float64   `json:"duration"` // seconds
	Architecture string    `json:"architecture"`
	Status       string    `json:"status"`
}

// ControlPlaneInfo describes what the scenarios were run against.
type ControlPlaneInfo struct {
	URI    string `json:"uri"`
	Daemon string `json:"daemon"`
	Client string `json:"client"`
}

// ScenarioResult contains per-scenario results
type ScenarioResult struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        string         `json:"status"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Duration      float64        `json:"duration"` // seconds
	Guests        []GuestInfo    `json:"guests,omitempty"`
	Steps         []StepInfo     `json:"steps"`
	Errors        []ErrorInfo    `json:"errors,omitempty"`
	DaemonOutputs []DaemonOutput `json:"daemonOutputs,omitempty"`
}

// GuestInfo describes a guest created by a scenario.
type GuestInfo struct {
	Name       string  `json:"name"`
	UUID       string  `json:"uuid"`
	MACAddress string  `json:"macAddress"`
	IPAddress  string  `json:"ipAddress"`
	TmpDir     string  `json:"tmpDir"`
	BootTime   float64 `json:"bootTime,omitempty"` // seconds
}

// StepInfo is one checked step of a scenario.
type StepInfo struct {
	Description string    `json:"description"`
	Passed      bool      `json:"passed"`
	Duration    float64   `json:"duration"` // seconds
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // error, warning
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// DaemonOutput is what a terminated daemon printed.
type DaemonOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Stats contains aggregated scenario statistics
type Stats struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	PassRate float64 `json:"passRate"`
}

// Finalize computes the summary and overall status from the scenario results.
func (r *RunResult) Finalize(end time.Time) {
	r.Execution.EndTime = end
	r.Execution.Duration = end.Sub(r.Execution.StartTime).Seconds()

	r.Summary = Stats{Total: len(r.Scenarios)}
	for _, s := range r.Scenarios {
		switch s.Status {
		case StatusPassed:
			r.Summary.Passed++
		case StatusSkipped:
			r.Summary.Skipped++
		default:
			r.Summary.Failed++
		}
	}

	if ran := r.Summary.Total - r.Summary.Skipped; ran > 0 {
		r.Summary.PassRate = float64(r.Summary.Passed) / float64(ran)
	}

	r.Execution.Status = StatusPassed
	if r.Summary.Failed > 0 {
		r.Execution.Status = StatusFailed
	}
}
