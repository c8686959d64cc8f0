package events

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

func TestBusDeliversToExactAndWildcardSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	exact := bus.Subscribe("pool-1")
	other := bus.Subscribe("pool-2")
	all := bus.SubscribeAll()

	bus.Publish(pmodel.BalanceChangeEvent{
		PoolID:     "pool-1",
		ChangeType: pmodel.EventBalanceChanged,
		Amount:     decimal.NewFromInt(100),
	})

	select {
	case event := <-exact.Events():
		assert.Equal(t, "pool-1", event.PoolID)
	default:
		t.Fatal("exact subscriber got nothing")
	}

	select {
	case event := <-all.Events():
		assert.Equal(t, "pool-1", event.PoolID)
	default:
		t.Fatal("wildcard subscriber got nothing")
	}

	select {
	case <-other.Events():
		t.Fatal("pool-2 subscriber must not receive pool-1 events")
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("pool-1")
	sub.Unsubscribe()
	sub.Unsubscribe() // safe to repeat

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(pmodel.BalanceChangeEvent{PoolID: "pool-1"})
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("pool-1")

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(pmodel.BalanceChangeEvent{PoolID: "pool-1"})
	}

	received := 0

	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}

		break
	}

	require.Equal(t, subscriberBuffer, received)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeAll()

	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	late := bus.Subscribe("pool-1")
	_, open = <-late.Events()
	assert.False(t, open, "subscriptions after close are born closed")
}
