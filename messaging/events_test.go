package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelBusProduceConsume(t *testing.T) {
	bus := NewChannelBus(1)
	received := make(chan Event, 1)

	go func() {
		_ = bus.Consume(received)
	}()

	require.NoError(t, bus.Produce(Event{Kind: EventConnected, ConnID: "abc"}))

	select {
	case ev := <-received:
		assert.Equal(t, EventConnected, ev.Kind)
		assert.Equal(t, "abc", ev.ConnID)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}

	bus.Close()
}
