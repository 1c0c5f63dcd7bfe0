package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/modules"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(logger.Noop())
	defer bus.Close()

	sub := bus.Subscribe(8, DropOldest)

	bus.Publish(HostInitialized{HostID: "a"})
	bus.Publish(MonitorData{HostID: "a", MonitorID: "uptime"})
	bus.Publish(CommandFinished{Result: modules.CommandResult{InvocationID: 7}})

	assert.Equal(t, "host_initialized", (<-sub.C).Kind())
	assert.Equal(t, "monitor_data", (<-sub.C).Kind())

	event := <-sub.C
	require.Equal(t, "command_finished", event.Kind())
	assert.Equal(t, uint64(7), event.(CommandFinished).Result.InvocationID)
}

func TestBusFansOut(t *testing.T) {
	bus := NewBus(logger.Noop())
	defer bus.Close()

	first := bus.Subscribe(4, DropOldest)
	second := bus.Subscribe(4, DropOldest)
	assert.NotEqual(t, first.ID, second.ID)

	bus.Publish(ConfigurationReloaded{Hosts: 3})

	assert.Equal(t, "configuration_reloaded", (<-first.C).Kind())
	assert.Equal(t, "configuration_reloaded", (<-second.C).Kind())
}

func TestBusDropOldestUnderBackpressure(t *testing.T) {
	bus := NewBus(logger.Noop())
	defer bus.Close()

	sub := bus.Subscribe(2, DropOldest)

	for i := 1; i <= 5; i++ {
		bus.Publish(HostStateChanged{HostID: string(rune('a' + i))})
	}

	// Only the newest two survive.
	first := (<-sub.C).(HostStateChanged)
	second := (<-sub.C).(HostStateChanged)
	assert.Equal(t, "e", first.HostID)
	assert.Equal(t, "f", second.HostID)

	select {
	case <-sub.C:
		t.Fatal("queue should be empty")
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(logger.Noop())
	defer bus.Close()

	sub := bus.Subscribe(1, DropOldest)
	bus.Unsubscribe(sub.ID)

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(HostUnreachable{HostID: "x"})
}

func TestBusClose(t *testing.T) {
	bus := NewBus(logger.Noop())
	sub := bus.Subscribe(1, DropOldest)

	bus.Close()
	_, open := <-sub.C
	assert.False(t, open)

	bus.Publish(HostInitialized{HostID: "late"})
	late := bus.Subscribe(1, DropOldest)
	_, open = <-late.C
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
}

func TestBusBlockPolicyWaitsForConsumer(t *testing.T) {
	bus := NewBus(logger.Noop())
	defer bus.Close()

	sub := bus.Subscribe(1, Block)
	bus.Publish(HostInitialized{HostID: "a"})

	done := make(chan struct{})
	go func() {
		bus.Publish(HostInitialized{HostID: "b"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, "a", (<-sub.C).(HostInitialized).HostID)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after drain")
	}
	assert.Equal(t, "b", (<-sub.C).(HostInitialized).HostID)
}
