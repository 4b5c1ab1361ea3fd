package bus

import (
	"sync"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	got := make(chan Event, 1)
	b.Subscribe("process.created", func(e Event) { got <- e })

	b.Publish(NewEvent("process.created", 3, map[string]any{"pid": 7}))

	select {
	case e := <-got:
		if e.Source != 3 {
			t.Fatalf("source = %d, want 3", e.Source)
		}
		if e.Fields["pid"] != 7 {
			t.Fatalf("pid field = %v, want 7", e.Fields["pid"])
		}
	default:
		t.Fatal("handler not called")
	}
}

func TestWildcardSeesEverything(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe(Wildcard, func(e Event) { count++ })

	b.Publish(NewEvent("a", 0, nil))
	b.Publish(NewEvent("b", 1, nil))

	if count != 2 {
		t.Fatalf("wildcard handler called %d times, want 2", count)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe("ev", func(e Event) { count++ })

	b.Publish(NewEvent("ev", 0, nil))
	sub.Cancel()
	b.Publish(NewEvent("ev", 0, nil))

	if count != 1 {
		t.Fatalf("handler called %d times after cancel, want 1", count)
	}
}

func TestTypeIsolation(t *testing.T) {
	b := New()
	count1, count2 := 0, 0
	b.Subscribe("ev.one", func(e Event) { count1++ })
	b.Subscribe("ev.two", func(e Event) { count2++ })

	b.Publish(NewEvent("ev.one", 0, nil))

	if count1 != 1 || count2 != 0 {
		t.Fatalf("type isolation failed: %d %d", count1, count2)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	seen := 0
	b.Subscribe("tick", func(e Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(NewEvent("tick", src, nil))
			}
		}(i)
	}
	wg.Wait()

	if seen != 400 {
		t.Fatalf("saw %d events, want 400", seen)
	}
	if m := b.GetMetrics(); m.Published != 400 {
		t.Fatalf("metrics published = %d, want 400", m.Published)
	}
}
