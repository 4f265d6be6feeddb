//go:build unit

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

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun() *RunResult {
	start := time.Date(2025, 11, 16, 10, 30, 0, 0, time.UTC)

	return &RunResult{
		Version: Version,
		RunID:   "run-20251116-103000",
		Execution: ExecutionInfo{
			StartTime:    start,
			Architecture: "amd64",
		},
		ControlPlane: ControlPlaneInfo{URI: "ch:///system", Daemon: "libvirtd", Client: "virsh"},
		Scenarios: []ScenarioResult{
			{
				Name:     "uri",
				Status:   StatusPassed,
				Duration: 5.1,
				Steps:    []StepInfo{{Description: "uri echoes the connection URI", Passed: true}},
			},
			{
				Name:     "create-vm",
				Status:   StatusFailed,
				Duration: 120.4,
				Guests: []GuestInfo{{
					Name: "vm-1", UUID: "550e8400-e29b-41d4-a716-446655440000",
					MACAddress: "12:34:56:78:90:01", IPAddress: "192.168.1.2",
				}},
				Steps: []StepInfo{
					{Description: "create vm-1", Passed: true},
					{Description: "wait for vm-1 to boot", Passed: false, Message: "guest did not boot before the deadline"},
				},
				Errors: []ErrorInfo{
					{Severity: SeverityError, Kind: KindBootTimeout, Message: "guest did not boot before the deadline"},
					{Severity: SeverityWarning, Kind: KindCleanup, Message: "destroy vm-1: exit 1"},
				},
				DaemonOutputs: []DaemonOutput{{Stderr: "error : virNetSocketNewListenTCP", ExitCode: -1}},
			},
			{Name: "huge-memory", Status: StatusSkipped},
		},
	}
}

func TestFinalize(t *testing.T) {
	run := newTestRun()
	run.Finalize(run.Execution.StartTime.Add(130 * time.Second))

	assert.Equal(t, Stats{Total: 3, Passed: 1, Failed: 1, Skipped: 1, PassRate: 0.5}, run.Summary)
	assert.Equal(t, StatusFailed, run.Execution.Status)
	assert.InDelta(t, 130.0, run.Execution.Duration, 0.001)

	run.Scenarios = run.Scenarios[:1]
	run.Finalize(run.Execution.StartTime)
	assert.Equal(t, StatusPassed, run.Execution.Status)
	assert.Equal(t, 1.0, run.Summary.PassRate)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestGenerateReport_JSON(t *testing.T) {
	run := newTestRun()
	run.Finalize(run.Execution.StartTime.Add(time.Minute))

	out, err := NewReporter(t.TempDir()).GenerateReport(run, FormatJSON)
	require.NoError(t, err)

	var decoded RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, run.RunID, decoded.RunID)
	require.Len(t, decoded.Scenarios, 3)
	assert.Equal(t, KindBootTimeout, decoded.Scenarios[1].Errors[0].Kind)
}

func TestGenerateReport_Text(t *testing.T) {
	run := newTestRun()
	run.Finalize(run.Execution.StartTime.Add(time.Minute))

	out, err := NewReporter(t.TempDir()).GenerateReport(run, FormatText)
	require.NoError(t, err)

	assert.Contains(t, out, "URI:    ch:///system")
	assert.Contains(t, out, "[2/3] create-vm")
	assert.Contains(t, out, "Steps (1/2 passed)")
	assert.Contains(t, out, "Guest vm-1")
	assert.Contains(t, out, "The tap device was not configured")
	assert.Contains(t, out, "DAEMON OUTPUT create-vm #1")
	assert.Contains(t, out, "virNetSocketNewListenTCP")
	assert.NotContains(t, out, "DAEMON OUTPUT uri")

	// guidance is only printed for errors, not warnings
	assert.Equal(t, 1, strings.Count(out, "Possible Causes:"))
}

func TestGenerateReport_UnsupportedFormat(t *testing.T) {
	_, err := NewReporter(t.TempDir()).GenerateReport(newTestRun(), Format("yaml"))
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	run := newTestRun()

	for _, format := range []Format{FormatJSON, FormatText} {
		path, err := NewReporter(dir).WriteReport(run, format)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, run.RunID, format.filename()), path)

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, b)
	}
}

func TestPrintSummary(t *testing.T) {
	run := newTestRun()
	run.Finalize(run.Execution.StartTime.Add(time.Minute))

	var buf bytes.Buffer
	require.NoError(t, NewReporter("").PrintSummary(&buf, run))

	assert.Contains(t, buf.String(), "Scenarios: 3 total, 1 passed, 1 failed, 1 skipped")
	assert.Contains(t, buf.String(), "1. create-vm: guest did not boot before the deadline")
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "short", wrapText("short", 4))

	long := strings.Repeat("word ", 30)
	wrapped := wrapText(long, 4)
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(strings.TrimSpace(line)), 64)
	}
}
