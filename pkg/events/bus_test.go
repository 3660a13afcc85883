package events

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPostInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var calls []string

	b.Subscribe(CraftingCPUChanged, "first", func(Event) { calls = append(calls, "first") })
	b.Subscribe(CraftingCPUChanged, "second", func(Event) { calls = append(calls, "second") })
	b.Subscribe(PowerStatusChanged, "third", func(Event) { calls = append(calls, "third") })

	if n := b.Post(Event{Type: CraftingCPUChanged}); n != 2 {
		t.Errorf("Expected 2 handlers, got %d", n)
	}
	if diff := cmp.Diff([]string{"first", "second"}, calls); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeReplacesOwner(t *testing.T) {
	b := NewBus()
	var got string

	b.Subscribe(PowerStatusChanged, "grid", func(Event) { got = "old" })
	b.Subscribe(PowerStatusChanged, "grid", func(e Event) {
		if e.Powered {
			got = "new"
		}
	})

	if n := b.Post(Event{Type: PowerStatusChanged, Powered: true}); n != 1 {
		t.Errorf("Expected 1 handler, got %d", n)
	}
	if got != "new" {
		t.Errorf("Expected replaced handler to run, got %q", got)
	}
}

func TestUnsubscribeOwner(t *testing.T) {
	b := NewBus()
	count := 0

	b.Subscribe(CraftingPatternChanged, "a", func(Event) { count++ })
	b.Subscribe(PostCacheConstruction, "a", func(Event) { count++ })
	b.Subscribe(CraftingPatternChanged, "b", func(Event) { count++ })

	b.UnsubscribeOwner("a")
	b.Post(Event{Type: CraftingPatternChanged})
	b.Post(Event{Type: PostCacheConstruction})

	if count != 1 {
		t.Errorf("Expected only b to run, got %d calls", count)
	}
}
