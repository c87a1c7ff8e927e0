package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/tracker"
)

func TestNewWithDefaultsUsesMemoryStores(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Targets)
	require.NotNil(t, a.Snapshots)
	require.NotNil(t, a.Changes)
	require.NotNil(t, a.Limiter)
	require.NotNil(t, a.Capturer)
	require.NotNil(t, a.Detector)
	require.NotNil(t, a.Broker)
	require.NotNil(t, a.Scheduler)
	require.Nil(t, a.pool)
}

func TestNewWithJobsDisabledUsesNullBroker(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Jobs.Enabled = false

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	err = a.Broker.Enqueue(context.Background(), tracker.Job{ID: "j", TargetID: "t"})
	require.ErrorIs(t, err, tracker.ErrBrokerUnavailable)

	// RunBroker must return promptly once the context ends.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunBroker(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBroker did not return after context cancel")
	}
}

func TestNewRejectsLocalStorageWithoutDir(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Provider = "local"
	cfg.Storage.LocalDir = ""

	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}

func TestCloseIsSafeToCallTwice(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	a.Close()
	a.Close()
}
