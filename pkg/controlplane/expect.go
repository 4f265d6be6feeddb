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

package controlplane

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnexpectedOutput is returned when a client invocation did not print what was expected.
var ErrUnexpectedOutput = errors.New("unexpected control plane output")

// DomainCreated and friends return the documented success line of each lifecycle command.
func DomainCreated(name string) string   { return fmt.Sprintf("Domain %s created", name) }
func DomainDestroyed(name string) string { return fmt.Sprintf("Domain %s destroyed", name) }
func DomainDefined(name string) string   { return fmt.Sprintf("Domain %s defined", name) }
func DomainUndefined(name string) string { return fmt.Sprintf("Domain %s has been undefined", name) }

// ExpectPrefix checks that r succeeded and its trimmed stdout starts with prefix.
func ExpectPrefix(r Result, prefix string) error {
	if strings.HasPrefix(strings.TrimSpace(r.Stdout), prefix) && r.Succeeded() {
		return nil
	}
	return unexpected(r, fmt.Sprintf("stdout starting with %q", prefix))
}

// ExpectEqual checks that r succeeded and its trimmed stdout equals want.
func ExpectEqual(r Result, want string) error {
	if strings.TrimSpace(r.Stdout) == want && r.Succeeded() {
		return nil
	}
	return unexpected(r, fmt.Sprintf("stdout equal to %q", want))
}

// ListedShutOff reports whether a `list --all` output shows name as defined but not running.
func ListedShutOff(stdout, name string) bool {
	re := regexp.MustCompile(fmt.Sprintf(`(?m)^\s*-\s+%s\s+shut off\s*$`, regexp.QuoteMeta(name)))
	return re.MatchString(stdout)
}

// Listed reports whether a `list --all` output has a row for name, whatever its state.
func Listed(stdout, name string) bool {
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// ExpectListedShutOff checks that r lists name as shut off.
func ExpectListedShutOff(r Result, name string) error {
	if r.Succeeded() && ListedShutOff(r.Stdout, name) {
		return nil
	}
	return unexpected(r, fmt.Sprintf("%q listed as shut off", name))
}

// ExpectNotListed checks that r does not list name at all.
func ExpectNotListed(r Result, name string) error {
	if r.Succeeded() && !Listed(r.Stdout, name) {
		return nil
	}
	return unexpected(r, fmt.Sprintf("%q not listed", name))
}

func unexpected(r Result, want string) error {
	return errors.Join(
		fmt.Errorf("args=%v want %s, got exitCode=%d stdout=%q stderr=%q",
			r.Args, want, r.ExitCode, r.Stdout, r.Stderr),
		ErrUnexpectedOutput,
	)
}
