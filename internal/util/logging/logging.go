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

// Package logging sets up the slog default logger of the harness and the logr logger handed to
// libraries that expect one.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development switches to human-readable text output.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Writer receives the logs. Defaults to os.Stderr so that reports printed on stdout stay
	// machine-readable.
	Writer io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Writer: os.Stderr,
	}
}

// ForVerbosity returns the options of a CLI run: text output, at debug level when verbose.
func ForVerbosity(verbose bool) Options {
	opts := DefaultOptions()
	opts.Development = true
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return opts
}

// Setup installs the slog default logger and a zap-backed logr.Logger writing to the same place.
// The logr.Logger receives klog output, i.e. the diagnostics of the k8s.io/apimachinery helpers
// (poll loops, crash handlers). It must be called before anything logs.
func Setup(opts Options) logr.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  w,
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	klog.SetLogger(logger)

	return logger
}
