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
	"fmt"
	"strings"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func formatText(result *RunResult) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("CH DRIVER INTEGRATION REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Status:       %s\n", formatStatus(result.Execution.Status))
	fmt.Fprintf(&sb, "Duration:     %.2fs\n", result.Execution.Duration)
	fmt.Fprintf(&sb, "Started:      %s\n", result.Execution.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Completed:    %s\n", result.Execution.EndTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Architecture: %s\n", result.Execution.Architecture)
	fmt.Fprintf(&sb, "Run ID:       %s\n\n", result.RunID)

	sb.WriteString("CONTROL PLANE\n")
	sb.WriteString(strings.Repeat("-", 13) + "\n")
	fmt.Fprintf(&sb, "URI:    %s\n", result.ControlPlane.URI)
	fmt.Fprintf(&sb, "Daemon: %s\n", result.ControlPlane.Daemon)
	fmt.Fprintf(&sb, "Client: %s\n\n", result.ControlPlane.Client)

	sb.WriteString("SCENARIOS\n")
	sb.WriteString(strings.Repeat("-", 9) + "\n")
	for i, s := range result.Scenarios {
		fmt.Fprintf(&sb, "[%d/%d] %s  %s (%.2fs)\n", i+1, len(result.Scenarios), s.Name, formatStatus(s.Status), s.Duration)
		if s.Description != "" {
			fmt.Fprintf(&sb, "  %s\n", s.Description)
		}

		for _, g := range s.Guests {
			fmt.Fprintf(&sb, "  Guest %s  uuid=%s mac=%s ip=%s", g.Name, g.UUID, g.MACAddress, g.IPAddress)
			if g.BootTime > 0 {
				fmt.Fprintf(&sb, " boot=%.2fs", g.BootTime)
			}
			sb.WriteString("\n")
		}

		passed := 0
		for _, step := range s.Steps {
			if step.Passed {
				passed++
			}
		}
		fmt.Fprintf(&sb, "  Steps (%d/%d passed):\n", passed, len(s.Steps))
		for _, step := range s.Steps {
			symbol := "✓"
			statusColor := colorGreen
			if !step.Passed {
				symbol = "✗"
				statusColor = colorRed
			}
			fmt.Fprintf(&sb, "    %s%s%s %s (%.2fs)\n", statusColor, symbol, colorReset, step.Description, step.Duration)
			if !step.Passed && step.Message != "" {
				fmt.Fprintf(&sb, "      Message:  %s\n", wrapText(step.Message, 16))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("SCENARIO SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 16) + "\n")
	fmt.Fprintf(&sb, "Total:   %d\n", result.Summary.Total)
	fmt.Fprintf(&sb, "Passed:  %d (%.1f%%)\n", result.Summary.Passed, result.Summary.PassRate*100)
	fmt.Fprintf(&sb, "Failed:  %d\n", result.Summary.Failed)
	fmt.Fprintf(&sb, "Skipped: %d\n\n", result.Summary.Skipped)

	if hasErrors(result) {
		sb.WriteString("ERRORS\n")
		sb.WriteString(strings.Repeat("-", 6) + "\n")
		n := 1
		for _, s := range result.Scenarios {
			for _, e := range s.Errors {
				severityColor := colorRed
				if e.Severity == SeverityWarning {
					severityColor = colorYellow
				}
				fmt.Fprintf(&sb, "[%d] %s [%s%s%s] %s (%s)\n",
					n,
					e.Timestamp.Format(time.RFC3339),
					severityColor, strings.ToUpper(e.Severity), colorReset,
					s.Name, e.Kind)
				fmt.Fprintf(&sb, "    Message: %s\n", wrapText(e.Message, 13))
				if e.Severity == SeverityError {
					sb.WriteString(formatFailureGuidance(e.Kind))
				}
				sb.WriteString("\n")
				n++
			}
		}
	}

	for _, s := range result.Scenarios {
		if s.Status == StatusPassed {
			continue
		}
		for i, out := range s.DaemonOutputs {
			fmt.Fprintf(&sb, "DAEMON OUTPUT %s #%d (exit %d)\n", s.Name, i+1, out.ExitCode)
			sb.WriteString(strings.Repeat("-", 40) + "\n")
			fmt.Fprintf(&sb, "stdout:\n%s\nstderr:\n%s\n\n", out.Stdout, out.Stderr)
		}
	}

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&sb, "RUN RESULT: %s\n", formatStatus(result.Execution.Status))
	sb.WriteString(strings.Repeat("=", 80) + "\n")

	return sb.String()
}

func hasErrors(result *RunResult) bool {
	for _, s := range result.Scenarios {
		if len(s.Errors) > 0 {
			return true
		}
	}
	return false
}

// formatStatus formats status with color
func formatStatus(status string) string {
	switch strings.ToLower(status) {
	case StatusPassed:
		return fmt.Sprintf("%s✓ PASSED%s", colorGreen, colorReset)
	case StatusFailed:
		return fmt.Sprintf("%s✗ FAILED%s", colorRed, colorReset)
	case StatusSkipped:
		return fmt.Sprintf("%s⚠ SKIPPED%s", colorYellow, colorReset)
	default:
		return status
	}
}

// formatFailureGuidance provides troubleshooting guidance for a failure kind
func formatFailureGuidance(kind string) string {
	var guidance strings.Builder

	guidance.WriteString("    Possible Causes:\n")

	switch kind {
	case KindSpawn:
		guidance.WriteString("    - The daemon or client binary is not installed or not in PATH\n")
		guidance.WriteString("    - The harness is not running with enough privileges\n")

	case KindBootTimeout:
		guidance.WriteString("    - The guest kernel or firmware path is wrong\n")
		guidance.WriteString("    - The tap device was not configured with the host IP\n")
		guidance.WriteString("    - cloud-init did not run: check the seed image\n")

	case KindCommand:
		guidance.WriteString("    - sshd in the guest is not reachable on the guest IP\n")
		guidance.WriteString("    - The guest credentials do not match the cloud-init user\n")

	case KindParse:
		guidance.WriteString("    - The guest printed something other than a single number\n")

	case KindUnexpectedOutput:
		guidance.WriteString("    - The driver returned an error: see the client stderr above\n")
		guidance.WriteString("    - Stale state from a previous run is still on disk\n")

	default:
		guidance.WriteString("    - Check the daemon output and the harness logs\n")
	}

	return guidance.String()
}

// wrapText wraps text at word boundaries with indentation
func wrapText(text string, indent int) string {
	if len(text) <= 64 {
		return text
	}

	var result strings.Builder
	words := strings.Fields(text)
	lineLen := 0
	indentStr := strings.Repeat(" ", indent)

	for i, word := range words {
		if i > 0 && lineLen+len(word)+1 > 64 {
			result.WriteString("\n" + indentStr)
			lineLen = 0
		} else if i > 0 {
			result.WriteString(" ")
			lineLen++
		}
		result.WriteString(word)
		lineLen += len(word)
	}

	return result.String()
}

func formatSummary(result *RunResult) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("RUN SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "Status:   %s\n", formatStatus(result.Execution.Status))
	fmt.Fprintf(&sb, "Duration: %.2fs\n\n", result.Execution.Duration)
	fmt.Fprintf(&sb, "Scenarios: %d total, %d passed, %d failed, %d skipped\n",
		result.Summary.Total, result.Summary.Passed, result.Summary.Failed, result.Summary.Skipped)

	if result.Summary.Failed > 0 {
		fmt.Fprintf(&sb, "\n%sFailed scenarios:%s\n", colorRed, colorReset)
		n := 1
		for _, s := range result.Scenarios {
			if s.Status != StatusFailed {
				continue
			}
			msg := ""
			for _, e := range s.Errors {
				if e.Severity == SeverityError {
					msg = e.Message
					break
				}
			}
			fmt.Fprintf(&sb, "  %d. %s: %s\n", n, s.Name, msg)
			n++
		}
	}

	sb.WriteString(strings.Repeat("=", 60) + "\n")

	return sb.String()
}
