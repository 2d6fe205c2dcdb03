package bus

import (
	"errors"
	"testing"
	"time"
)

type testObserver struct {
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_ string, _ Message) {
	o.publishCount++
}

func (o *testObserver) OnDelivered(_ string, _ Message, handlers int, err error) {
	o.deliveredCount += handlers
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got Message
	_, err := b.Subscribe(ChannelProcessor, func(m Message) error {
		got = m
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(ChannelProcessor, Message{Type: TypeProcess, Tick: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Type != TypeProcess || got.Tick != 7 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestChannelIsolation(t *testing.T) {
	b := New()
	rooms, service := 0, 0
	_, _ = b.Subscribe(RoomChannel("W0N0"), func(Message) error { rooms++; return nil })
	_, _ = b.Subscribe(ChannelService, func(Message) error { service++; return nil })

	_ = b.Publish(RoomChannel("W0N0"), Message{Type: TypeDidUpdate, Tick: 3})
	_ = b.Publish(RoomChannel("W1N1"), Message{Type: TypeDidUpdate, Tick: 3})
	if rooms != 1 || service != 0 {
		t.Fatalf("channel isolation failed: %d %d", rooms, service)
	}
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	e1, e2 := errors.New("one"), errors.New("two")
	_, _ = b.Subscribe("x", func(Message) error { return e1 })
	_, _ = b.Subscribe("x", func(Message) error { return e2 })

	err := b.Publish("x", Message{Type: TypeRun})
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub, _ := b.Subscribe("x", func(Message) error { count++; return nil })
	_ = b.Publish("x", Message{})
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = sub.Cancel()
	_ = b.Publish("x", Message{})
	if count != 1 {
		t.Fatalf("expected one delivery, got %d", count)
	}
	if len(b.Channels()) != 0 {
		t.Fatalf("channel should be dropped once empty: %+v", b.Channels())
	}
}

func TestListenPreservesOrderAndNeverBlocks(t *testing.T) {
	b := New()
	ch, sub := b.Listen(ChannelProcessor)

	// Publish far more than any buffer before anyone reads.
	for i := int64(1); i <= 500; i++ {
		if err := b.Publish(ChannelProcessor, Message{Type: TypeProcess, Tick: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := int64(1); i <= 500; i++ {
		select {
		case m := <-ch:
			if m.Tick != i {
				t.Fatalf("out of order: want %d got %d", i, m.Tick)
			}
		case <-time.After(time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	_ = sub.Cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("listen channel not closed after cancel")
	}
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("e", func(Message) error { return nil })
	_ = b.Publish("e", Message{})
	if m := b.GetMetrics(); m.Published != 0 {
		t.Fatalf("metrics should be zero without observers: %+v", m)
	}

	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.Publish("e", Message{})
	m := b.GetMetrics()
	if m.Published != 1 || m.DeliveredHandlers != 1 {
		t.Fatalf("metrics should update with observer: %+v", m)
	}
	if obs.publishCount != 1 || obs.deliveredCount != 1 {
		t.Fatalf("observer not called: %+v", obs)
	}
	b.RemoveObserver(obs)
	_ = b.Publish("e", Message{})
	if obs.publishCount != 1 {
		t.Fatalf("removed observer still called")
	}
}
