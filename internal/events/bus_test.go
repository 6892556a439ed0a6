package events

import (
	"errors"
	"testing"
	"time"

	"replica-chaos/internal/store"
)

func TestNewBus(t *testing.T) {
	bus := NewBus()
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	if bus.SubscriberCount() != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe(ch1)
	if bus.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	if _, ok := <-ch1; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
	_ = ch2
}

func TestBusPublish(t *testing.T) {
	bus := NewBus()

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()

	bus.Publish(NewCheckFailedEvent("sim://node-1", 7, 3, "expect 1400..1600, got zero points"))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Type != EventCheckFailed {
				t.Errorf("subscriber %d: expected type %s, got %s", i, EventCheckFailed, received.Type)
			}
			if received.NodeID != "sim://node-1" {
				t.Errorf("subscriber %d: expected sim://node-1, got %s", i, received.NodeID)
			}
			if received.Round != 7 || received.Data.Attempt != 3 {
				t.Errorf("subscriber %d: unexpected round/attempt %d/%d", i, received.Round, received.Data.Attempt)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: timeout waiting for event", i)
		}
	}
}

func TestBusPublishNonBlocking(t *testing.T) {
	bus := NewBus()
	bus.size = 1

	ch := bus.Subscribe()

	bus.Publish(NewRoundCompletedEvent(1))
	bus.Publish(NewRoundCompletedEvent(2))
	bus.Publish(NewRoundCompletedEvent(3))

	select {
	case e := <-ch:
		if e.Round != 1 {
			t.Errorf("expected the first event to be kept, got round %d", e.Round)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for first event")
	}

	if bus.Dropped() != 2 {
		t.Errorf("expected 2 dropped deliveries, got %d", bus.Dropped())
	}
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(NewRoundCompletedEvent(1))

	ch := bus.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("expected a closed channel from a nil bus")
	}
	bus.Unsubscribe(ch)

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	if bus.Dropped() != 0 {
		t.Errorf("expected 0 dropped, got %d", bus.Dropped())
	}
	bus.Close()
}

func TestBusClose(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe()
	bus.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", bus.SubscriberCount())
	}

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}

	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("expected subscription after close to be closed")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers after close, got %d", bus.SubscriberCount())
	}
	bus.Publish(NewRoundCompletedEvent(2))
}

func TestEventCreation(t *testing.T) {
	t.Run("Transfer", func(t *testing.T) {
		e := NewTransferEvent(EventTransferStarted, "sim://node-0", 0, 2, store.TransferWalDelta)
		if e.Type != EventTransferStarted {
			t.Errorf("expected %s, got %s", EventTransferStarted, e.Type)
		}
		if e.Data.From != 0 || e.Data.To != 2 {
			t.Errorf("unexpected pair %d -> %d", e.Data.From, e.Data.To)
		}
		if e.Data.Method != store.TransferWalDelta {
			t.Errorf("expected wal_delta, got %s", e.Data.Method)
		}
	})

	t.Run("TransferRejected", func(t *testing.T) {
		e := NewTransferRejectedEvent("sim://node-1", 1, 0, store.TransferStreamRecords, errors.New("already in progress"))
		if e.Type != EventTransferRejected {
			t.Errorf("expected %s, got %s", EventTransferRejected, e.Type)
		}
		if e.Data.Error != "already in progress" {
			t.Errorf("unexpected error %q", e.Data.Error)
		}
	})

	t.Run("Gate", func(t *testing.T) {
		if NewGateEvent(true, 4).Type != EventGateHeld {
			t.Error("expected gate_held")
		}
		if NewGateEvent(false, 4).Type != EventGateReleased {
			t.Error("expected gate_released")
		}
	})

	t.Run("Inconsistency", func(t *testing.T) {
		e := NewInconsistencyEvent(9, 25, errors.New("diverged"))
		if e.Data.Attempt != 25 || e.Data.Error != "diverged" {
			t.Errorf("unexpected data %+v", e.Data)
		}
	})
}
