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

// Package gracefulshutdown turns SIGINT and SIGTERM into the cancellation of a run.
//
// The first signal cancels the run context: scenarios that did not start are skipped and running
// ones tear their guests and daemon down. A second signal exits right away.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ForceExitCode is the exit code used when a second signal interrupts the teardown.
const ForceExitCode = 130

// GracefulShutdown holds the context of a run and the signal handling around it.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	signals  chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit is New with a custom exit function, used when a second signal is received.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := context.WithCancel(context.Background())

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		signals:  make(chan os.Signal, 2),
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}
	signal.Notify(gs.signals, syscall.SIGTERM, os.Interrupt)

	go gs.watch()

	return gs
}

// New returns a GracefulShutdown listening for SIGINT and SIGTERM until Stop is called.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

func (s *GracefulShutdown) watch() {
	select {
	case <-s.done:
		return
	case sig := <-s.signals:
		slog.Warn("signal received, tearing down", "name", s.name, "signal", sig.String())
		s.cancel()
	}

	select {
	case <-s.done:
	case sig := <-s.signals:
		slog.Error("second signal received, exiting without teardown", "name", s.name, "signal", sig.String())
		s.exitFunc(ForceExitCode)
	}
}

// Context is cancelled by the first signal or by Stop.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// Interrupted reports whether the run was cancelled by a signal.
func (s *GracefulShutdown) Interrupted() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.ctx.Err() != nil
	}
}

// Stop releases the signal handlers and cancels the context. It is safe to call more than once.
func (s *GracefulShutdown) Stop() {
	s.stopOnce.Do(func() {
		signal.Stop(s.signals)
		close(s.done)
		s.cancel()
	})
}
