package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllReturnsFirstFailure(t *testing.T) {
	boom := errors.New("relay: connection refused")
	stopped := make(chan struct{})

	err := runAll(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
	)

	require.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	default:
		t.Fatal("sibling component was not stopped")
	}
}

func TestRunAllStopsCleanlyOnShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := runAll(ctx,
		func(ctx context.Context) error { <-ctx.Done(); return nil },
		func(ctx context.Context) error { <-ctx.Done(); return nil },
	)
	assert.NoError(t, err)
}
