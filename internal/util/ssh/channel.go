// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultRetries = 6
	DefaultTimeout = 10 * time.Second
)

// CommandError is returned once every attempt of a remote command failed.
type CommandError struct {
	Command  string
	Host     string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q on %s failed after %d attempt(s): %v", e.Command, e.Host, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ParseError is returned when a command expected to print a number printed something else.
type ParseError struct {
	Command string
	Output  string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse output %q of %q as a number: %v", e.Output, e.Command, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DefaultBackoff is the delay between two attempts of a remote command.
func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2,
		Jitter:   0.1,
		Steps:    DefaultRetries,
		Cap:      10 * time.Second,
	}
}

// Channel runs commands on guests with bounded retries.
type Channel struct {
	Transport Transport
	Retries   int
	Timeout   time.Duration
	Backoff   wait.Backoff
}

// NewChannel returns a Channel with the default retry discipline.
func NewChannel(t Transport) *Channel {
	return &Channel{
		Transport: t,
		Retries:   DefaultRetries,
		Timeout:   DefaultTimeout,
		Backoff:   DefaultBackoff(),
	}
}

// Run executes command on host with the Channel's retries and per-attempt timeout.
func (c *Channel) Run(ctx context.Context, command, host string) (string, error) {
	return c.RunWith(ctx, command, host, c.Retries, c.Timeout)
}

// RunWith executes command on host, making up to retries attempts (at least one), each bounded
// by timeout. The error of the last attempt is returned in a *CommandError.
func (c *Channel) RunWith(ctx context.Context, command, host string, retries int, timeout time.Duration) (string, error) {
	attempts := max(retries, 1)
	backoff := c.Backoff
	backoff.Steps = attempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := c.Transport.Exec(ctx, host, command, timeout)
		if err == nil {
			return out, nil
		}
		lastErr = err

		slog.Debug("remote command attempt failed",
			"host", host,
			"command", command,
			"attempt", attempt,
			"attempts", attempts,
			"error", err.Error(),
		)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", &CommandError{Command: command, Host: host, Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-time.After(backoff.Step()):
		}
	}

	return "", &CommandError{Command: command, Host: host, Attempts: attempts, Err: lastErr}
}

var numberRe = regexp.MustCompile(`[0-9]+`)

// QueryNumeric runs command on host and parses the single integer it prints.
func (c *Channel) QueryNumeric(ctx context.Context, command, host string) (uint64, error) {
	out, err := c.Run(ctx, command, host)
	if err != nil {
		return 0, err
	}

	return ParseNumeric(command, out)
}

// ParseNumeric extracts the only integer of out. Output with no or several integers is a
// *ParseError.
func ParseNumeric(command, out string) (uint64, error) {
	trimmed := strings.TrimSpace(out)

	matches := numberRe.FindAllString(trimmed, -1)
	if len(matches) != 1 {
		return 0, &ParseError{
			Command: command,
			Output:  trimmed,
			Err:     fmt.Errorf("found %d integers", len(matches)),
		}
	}

	n, err := strconv.ParseUint(matches[0], 10, 64)
	if err != nil {
		return 0, &ParseError{Command: command, Output: trimmed, Err: err}
	}

	return n, nil
}
