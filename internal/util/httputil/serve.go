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

// Package httputil runs the auxiliary HTTP endpoints of the harness.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ShutdownTimeout bounds the shutdown of a server once its context is done.
const ShutdownTimeout = 10 * time.Second

// Serve serves server on ln, or on server.Addr when ln is nil, until ctx is done. The returned
// channel receives the serving error, nil after a clean shutdown, and is then closed.
func Serve(ctx context.Context, name string, server *http.Server, ln net.Listener) <-chan error {
	errCh := make(chan error, 1)

	server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	served := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			err = server.Serve(ln)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	go func() {
		defer close(errCh)

		select {
		case err := <-served:
			if err != nil {
				slog.Error("server stopped", "server", name, "error", err.Error())
			}
			errCh <- err
			return
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server", "server", name, "error", err.Error())
			errCh <- err
			return
		}

		slog.Debug("server shut down", "server", name)
		errCh <- <-served
	}()

	return errCh
}
