package bus

import "testing"

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()

	got := make(map[string]int)
	b.Subscribe("a", func(e Event) { got["a"]++ })
	b.Subscribe("b", func(e Event) { got["b"]++ })

	b.Broadcast(Event{Name: "review.created"})
	if got["a"] != 1 || got["b"] != 1 {
		t.Errorf("deliveries = %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe("a", func(e Event) { calls++ })
	b.Broadcast(Event{Name: "x"})
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "x"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := New()

	var last string
	b.Subscribe("a", func(e Event) { last = "first" })
	b.Subscribe("a", func(e Event) { last = "second" })
	b.Broadcast(Event{Name: "x"})

	if last != "second" {
		t.Errorf("handler = %q, same id must replace", last)
	}
}

func TestBroadcastNoSubscribers(t *testing.T) {
	b := New()
	b.Broadcast(Event{Name: "x"}) // must not panic
}
