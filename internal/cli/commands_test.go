package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

func TestWaitForHostInitialized(t *testing.T) {
	bus := events.NewBus(logger.Noop())
	defer bus.Close()
	sub := bus.Subscribe(16, events.Block)

	go func() {
		bus.Publish(events.HostInitialized{HostID: "other", Facts: platform.Facts{}})
		bus.Publish(events.HostInitialized{HostID: "web1", FromCache: true})
		bus.Publish(events.HostInitialized{HostID: "web1"})
	}()

	assert.True(t, waitForHost(sub, "web1", 2*time.Second))
}

func TestWaitForHostUnreachable(t *testing.T) {
	bus := events.NewBus(logger.Noop())
	defer bus.Close()
	sub := bus.Subscribe(16, events.Block)

	go bus.Publish(events.HostUnreachable{HostID: "web1", Reason: "refused"})

	assert.False(t, waitForHost(sub, "web1", 2*time.Second))
}

func TestWaitForHostTimeout(t *testing.T) {
	bus := events.NewBus(logger.Noop())
	defer bus.Close()
	sub := bus.Subscribe(16, events.Block)

	start := time.Now()
	assert.False(t, waitForHost(sub, "web1", 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrainUntilQuietReturnsOnClose(t *testing.T) {
	bus := events.NewBus(logger.Noop())
	sub := bus.Subscribe(16, events.DropOldest)
	bus.Close()

	done := make(chan struct{})
	go func() {
		drainUntilQuiet(sub, time.Minute)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drainUntilQuiet did not return after bus close")
	}
}
