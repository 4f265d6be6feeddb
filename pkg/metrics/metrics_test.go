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

package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/chvirt/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := metrics.NewRecorder()

	r.ObserveInvocation("create", 0)
	r.ObserveInvocation("create", 0)
	r.ObserveInvocation("destroy", 1)
	r.ObserveScenario("uri", "passed", 5*time.Second)
	r.ObserveBoot(42 * time.Second)

	expected := `
# HELP chvirt_cli_invocations_total Control plane client invocations, by command and exit code.
# TYPE chvirt_cli_invocations_total counter
chvirt_cli_invocations_total{command="create",exit="0"} 2
chvirt_cli_invocations_total{command="destroy",exit="1"} 1
# HELP chvirt_scenarios_total Scenarios run, by scenario and result.
# TYPE chvirt_scenarios_total counter
chvirt_scenarios_total{result="passed",scenario="uri"} 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"chvirt_cli_invocations_total", "chvirt_scenarios_total"))

	count, err := testutil.GatherAndCount(r.Registry(), "chvirt_boot_duration_seconds", "chvirt_scenario_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := metrics.NewRecorder()
	r.ObserveScenario("defines", "failed", time.Minute)

	path := filepath.Join(t.TempDir(), "chvirt.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `chvirt_scenarios_total{result="failed",scenario="defines"} 1`)
}

func TestRecorder_Handler(t *testing.T) {
	r := metrics.NewRecorder()
	r.ObserveInvocation("uri", 0)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `chvirt_cli_invocations_total{command="uri",exit="0"} 1`)
}
