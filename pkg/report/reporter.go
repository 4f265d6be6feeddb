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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Format specifies the output format for reports
type Format string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON Format = "json"
	// FormatText produces human-readable text reports
	FormatText Format = "text"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatText:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

func (f Format) filename() string {
	if f == FormatJSON {
		return "report.json"
	}
	return "report.txt"
}

// Reporter generates run reports in various formats
type Reporter struct {
	artifactDir string
}

// NewReporter creates a new reporter instance
func NewReporter(artifactDir string) *Reporter {
	return &Reporter{
		artifactDir: artifactDir,
	}
}

// GenerateReport renders result in format.
func (r *Reporter) GenerateReport(result *RunResult, format Format) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(result)
	case FormatText:
		return formatText(result), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// WriteReport writes the report to <artifactDir>/<runID>/ and returns its path.
func (r *Reporter) WriteReport(result *RunResult, format Format) (string, error) {
	content, err := r.GenerateReport(result, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	reportDir := filepath.Join(r.artifactDir, result.RunID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	reportPath := filepath.Join(reportDir, format.filename())
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return reportPath, nil
}

// PrintSummary writes a concise summary of result to w.
func (r *Reporter) PrintSummary(w io.Writer, result *RunResult) error {
	_, err := io.WriteString(w, formatSummary(result))
	return err
}

func formatJSON(result *RunResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}
