// SPDX-License-Identifier: GPL-3.0-or-later

package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/madsys-dev/madsim/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn(t *testing.T) {
	t.Run("returns the task error", func(t *testing.T) {
		expected := errors.New("mocked error")
		handle := task.Spawn(context.Background(), func(ctx context.Context) error {
			return expected
		})

		err := handle.Wait(context.Background())
		assert.ErrorIs(t, err, expected)
	})

	t.Run("cancel stops a blocked task", func(t *testing.T) {
		handle := task.Spawn(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		handle.Cancel()
		err := handle.Wait(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("close behaves like cancel", func(t *testing.T) {
		handle := task.Spawn(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		require.NoError(t, handle.Close())
		err := handle.Wait(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("done is closed once the task returns", func(t *testing.T) {
		handle := task.Spawn(context.Background(), func(ctx context.Context) error {
			return nil
		})

		select {
		case <-handle.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("task did not finish")
		}
		assert.NoError(t, handle.Wait(context.Background()))
	})

	t.Run("wait honours its context", func(t *testing.T) {
		blocked := make(chan struct{})
		handle := task.Spawn(context.Background(), func(ctx context.Context) error {
			defer close(blocked)
			<-ctx.Done()
			return ctx.Err()
		})
		defer func() {
			handle.Cancel()
			<-blocked
		}()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := handle.Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
