/*
 * WeiboHarvest
 * Copyright (C) 2025  WeiboHarvest authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg.Clock = clock
	controller, err := NewController(cfg)
	require.NoError(t, err)
	return controller, clock
}

// waitAsync runs Wait on a goroutine and returns a channel that receives
// its result.
func waitAsync(controller *Controller, bucket Bucket) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- controller.Wait(context.Background(), bucket)
	}()
	return done
}

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("Wait returned early: %v", err)
	default:
	}
}

func requireDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestWaitSlidingWindow(t *testing.T) {
	t.Parallel()

	controller, clock := newTestController(t, Config{
		Limit:  3,
		Window: 10 * time.Second,
	})
	ctx := context.Background()

	// Requests at t=0, t=1, t=2 pass without blocking.
	for i := 0; i < 3; i++ {
		require.NoError(t, controller.Wait(ctx, BucketAPI))
		clock.Advance(time.Second)
	}

	// Fourth request at t=3 must block until the first timestamp exits
	// the window at t=10.
	done := waitAsync(controller, BucketAPI)
	clock.BlockUntil(1)
	requireBlocked(t, done)

	clock.Advance(6 * time.Second) // t=9
	requireBlocked(t, done)

	clock.Advance(time.Second) // t=10
	requireDone(t, done)
}

func TestWaitRequestInterval(t *testing.T) {
	t.Parallel()

	controller, clock := newTestController(t, Config{
		Limit:           100,
		Window:          time.Minute,
		RequestInterval: 5 * time.Second,
	})
	ctx := context.Background()

	require.NoError(t, controller.Wait(ctx, BucketAPI))

	done := waitAsync(controller, BucketAPI)
	clock.BlockUntil(1)
	requireBlocked(t, done)
	clock.Advance(5 * time.Second)
	requireDone(t, done)

	// The media bucket is never spaced.
	require.NoError(t, controller.Wait(ctx, BucketMedia))
	require.NoError(t, controller.Wait(ctx, BucketMedia))
}

func TestBackoffGrowsAndResets(t *testing.T) {
	t.Parallel()

	controller, clock := newTestController(t, Config{
		Limit:     100,
		Window:    time.Minute,
		BaseDelay: 2 * time.Second,
		MaxDelay:  8 * time.Second,
	})

	expectBackoff := func(want time.Duration) {
		done := waitAsync(controller, BucketAPI)
		clock.BlockUntil(1)
		requireBlocked(t, done)
		clock.Advance(want)
		requireDone(t, done)
	}

	// Successive failures double the delay up to the cap.
	controller.HandleResponse(BucketAPI, 403)
	expectBackoff(2 * time.Second)
	controller.HandleResponse(BucketAPI, 418)
	expectBackoff(4 * time.Second)
	controller.HandleResponse(BucketAPI, 403)
	expectBackoff(8 * time.Second)
	controller.HandleResponse(BucketAPI, 403)
	expectBackoff(8 * time.Second)

	// A successful response resets the failure counter, so the next
	// failure starts over at the base delay.
	controller.HandleResponse(BucketAPI, 200)
	require.NoError(t, controller.Wait(context.Background(), BucketAPI))
	controller.HandleResponse(BucketAPI, 403)
	expectBackoff(2 * time.Second)
}

func TestBucketsDoNotCrossPollute(t *testing.T) {
	t.Parallel()

	controller, _ := newTestController(t, Config{
		Limit:     100,
		Window:    time.Minute,
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	})

	// A failure on the api bucket must not delay the media bucket.
	controller.HandleResponse(BucketAPI, 403)
	require.NoError(t, controller.Wait(context.Background(), BucketMedia))
}

func TestIgnoredStatusesLeaveBackoffAlone(t *testing.T) {
	t.Parallel()

	controller, clock := newTestController(t, Config{
		Limit:     100,
		Window:    time.Minute,
		BaseDelay: 2 * time.Second,
		MaxDelay:  8 * time.Second,
	})

	controller.HandleResponse(BucketAPI, 403)
	// 404 and 500 are neither throttles nor successes.
	controller.HandleResponse(BucketAPI, 404)
	controller.HandleResponse(BucketAPI, 500)

	done := waitAsync(controller, BucketAPI)
	clock.BlockUntil(1)
	requireBlocked(t, done)
	clock.Advance(2 * time.Second)
	requireDone(t, done)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	controller, clock := newTestController(t, Config{
		Limit:     100,
		Window:    time.Minute,
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	})
	controller.HandleResponse(BucketAPI, 403)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- controller.Wait(ctx, BucketAPI)
	}()
	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewController(Config{Limit: -1})
	require.Error(t, err)
	_, err = NewController(Config{RequestInterval: -time.Second})
	require.Error(t, err)
}
