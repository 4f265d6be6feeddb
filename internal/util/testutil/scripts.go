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

// Package testutil holds helpers shared by unit tests that replace external executables with
// shell scripts.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes an executable script called name into dir and returns its path.
func WriteScript(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("failed to write script %q: %v", path, err)
	}
	return path
}

// TempScript is WriteScript into a fresh temporary directory.
func TempScript(t testing.TB, name, content string) string {
	t.Helper()
	return WriteScript(t, t.TempDir(), name, content)
}
