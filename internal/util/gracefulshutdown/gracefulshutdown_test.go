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

package gracefulshutdown_test

import (
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/chvirt/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noExit(t *testing.T) func(int) {
	return func(code int) {
		t.Errorf("unexpected exit with code %d", code)
	}
}

func TestNew(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("test", noExit(t))
	defer gs.Stop()

	require.NotNil(t, gs.Context())
	assert.NoError(t, gs.Context().Err())
	assert.False(t, gs.Interrupted())
}

func TestGracefulShutdown_Stop(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("test", noExit(t))

	gs.Stop()
	gs.Stop()

	assert.Error(t, gs.Context().Err())
	assert.False(t, gs.Interrupted())
}

func TestGracefulShutdown_Signal(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("test", noExit(t))
	defer gs.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-gs.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by SIGTERM")
	}
	assert.True(t, gs.Interrupted())
}

func TestGracefulShutdown_SecondSignalExits(t *testing.T) {
	codes := make(chan int, 1)
	gs := gracefulshutdown.NewWithExit("test", func(code int) { codes <- code })
	defer gs.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	<-gs.Context().Done()
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case code := <-codes:
		assert.Equal(t, gracefulshutdown.ForceExitCode, code)
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not exit")
	}
}
