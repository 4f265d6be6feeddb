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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// PanicError is a panic recovered from a scenario body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Cleanups is a stack of teardown functions run in reverse registration order.
type Cleanups struct {
	mu   sync.Mutex
	fns  []namedCleanup
	errs []error
}

type namedCleanup struct {
	name string
	fn   func() error
}

// Defer registers fn to run at teardown.
func (c *Cleanups) Defer(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, namedCleanup{name: name, fn: fn})
}

// Run runs and forgets every registered function, the last registered first. Every function
// runs even if a previous one failed or panicked. Failures are logged and kept in Errors.
func (c *Cleanups) Run() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if err := runCleanup(fns[i]); err != nil {
			slog.Warn("cleanup failed", "cleanup", fns[i].name, "error", err.Error())
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		}
	}
}

func runCleanup(c namedCleanup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		if err != nil {
			err = errors.Join(fmt.Errorf("cleanup=%s", c.name), err)
		}
	}()
	return c.fn()
}

// Errors returns the failures of the cleanups run so far.
func (c *Cleanups) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

// Ensure runs body, then every cleanup, and only then returns the failure of body. A panic in
// body is returned as a *PanicError. Cleanup failures never replace the failure of body: read
// them from cleanups.Errors().
func Ensure(cleanups *Cleanups, body func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		cleanups.Run()
	}()

	return body()
}
