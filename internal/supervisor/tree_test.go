// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// blockingService runs until its context is cancelled and counts starts.
type blockingService struct {
	starts atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeRunsServicesInAllLayers(t *testing.T) {
	tree := NewTree(testLogger(), DefaultTreeConfig())

	syncSvc := &blockingService{}
	distSvc := &blockingService{}
	apiSvc := &blockingService{}
	tree.AddSyncService(syncSvc)
	tree.AddDistributionService(distSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for syncSvc.starts.Load() == 0 || distSvc.starts.Load() == 0 || apiSvc.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("services not started: sync=%d dist=%d api=%d",
				syncSvc.starts.Load(), distSvc.starts.Load(), apiSvc.starts.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("tree returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}

func TestTreeDefaultsAppliedToZeroConfig(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})
	if tree.config.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", tree.config.FailureThreshold)
	}
	if tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", tree.config.ShutdownTimeout)
	}
	if tree.Root() == nil {
		t.Fatal("Root() returned nil")
	}
}
