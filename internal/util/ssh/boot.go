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
	"net"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const DefaultBootTimeout = 120 * time.Second

// ErrBootTimeout is returned when a guest did not signal boot completion in time.
var ErrBootTimeout = errors.New("guest did not boot before the deadline")

// BootPollInterval is the delay between two unsuccessful probes.
var BootPollInterval = time.Second

// BootProbe reports whether a guest finished booting. Probe returns nil once it has.
type BootProbe interface {
	Probe(ctx context.Context) error
}

// ListenerProbe waits for the guest to connect to Addr, which the guest does from its
// first-boot commands.
type ListenerProbe struct {
	Addr string
}

// Probe implements BootProbe. It blocks until one connection is accepted or ctx is done.
func (p ListenerProbe) Probe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.Addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accepting on %s: %w", p.Addr, err)
	}

	slog.Debug("guest signalled boot", "addr", p.Addr, "remote", conn.RemoteAddr().String())

	return conn.Close()
}

// CommandProbe considers the guest booted once Command succeeds on Host.
type CommandProbe struct {
	Channel *Channel
	Host    string
	Command string
}

// Probe implements BootProbe with a single attempt.
func (p CommandProbe) Probe(ctx context.Context) error {
	command := p.Command
	if command == "" {
		command = "true"
	}

	_, err := p.Channel.RunWith(ctx, command, p.Host, 1, p.Channel.Timeout)
	return err
}

// WaitBoot blocks until probe succeeds, for at most maxWait (DefaultBootTimeout when nil).
func WaitBoot(ctx context.Context, probe BootProbe, maxWait *time.Duration) error {
	timeout := DefaultBootTimeout
	if maxWait != nil {
		timeout = *maxWait
	}

	start := time.Now()
	err := wait.PollUntilContextTimeout(ctx, BootPollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			if err := probe.Probe(ctx); err != nil {
				slog.Debug("guest not booted yet", "error", err.Error())
				return false, nil
			}
			return true, nil
		})

	switch {
	case err == nil:
		slog.Info("guest booted", "duration", time.Since(start).String())
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		return errors.Join(ErrBootTimeout, fmt.Errorf("timeout=%s", timeout))
	default:
		return err
	}
}
