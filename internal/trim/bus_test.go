package trim

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(1000, nil)
	sub := bus.Subscribe()
	defer sub.Close()

	base := time.Unix(100, 0)
	bus.Notify(Notification{Kind: KindProgress, SessionID: "s", Time: base, Position: 1})
	bus.Notify(Notification{Kind: KindProgress, SessionID: "s", Time: base.Add(time.Second), Position: 2})
	bus.Notify(Notification{Kind: KindCompleted, SessionID: "s", Time: base.Add(2 * time.Second)})

	if n := receive(t, sub); n.Kind != KindProgress || n.Position != 1 {
		t.Fatalf("first = %+v", n)
	}
	if n := receive(t, sub); n.Kind != KindProgress || n.Position != 2 {
		t.Fatalf("second = %+v", n)
	}
	if n := receive(t, sub); n.Kind != KindCompleted {
		t.Fatalf("third = %+v", n)
	}
}

func TestBus_ThrottlesProgressOnly(t *testing.T) {
	bus := NewBus(1, nil)
	sub := bus.Subscribe()
	defer sub.Close()

	at := time.Unix(100, 0)
	for i := 0; i < 10; i++ {
		bus.Notify(Notification{Kind: KindProgress, Time: at, Position: float64(i)})
	}
	bus.Notify(Notification{Kind: KindCancelled, Time: at})

	if n := receive(t, sub); n.Kind != KindProgress || n.Position != 0 {
		t.Fatalf("first = %+v, want the first progress", n)
	}
	if n := receive(t, sub); n.Kind != KindCancelled {
		t.Fatalf("second = %+v, want cancelled", n)
	}
}

func TestBus_TerminalNeverDroppedForSlowSubscriber(t *testing.T) {
	bus := NewBus(1000, nil)
	sub := bus.Subscribe()
	defer sub.Close()

	base := time.Unix(100, 0)
	for i := 0; i < 200; i++ {
		bus.Notify(Notification{Kind: KindProgress, Time: base.Add(time.Duration(i) * time.Second)})
	}
	bus.Notify(Notification{Kind: KindFailed, Reason: ReasonEncodingFailed, Time: base})

	got := 0
	for {
		n := receive(t, sub)
		got++
		if n.Kind == KindFailed {
			break
		}
	}
	if got >= 201 {
		t.Fatalf("received %d notifications, expected progress to be dropped", got)
	}
}

func TestBus_CloseUnsubscribes(t *testing.T) {
	bus := NewBus(0, nil)
	sub := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", bus.Subscribers())
	}
	sub.Close()
	sub.Close()
	if bus.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after close, want 0", bus.Subscribers())
	}

	for range sub.C() {
	}
	bus.Notify(Notification{Kind: KindCompleted})
}
