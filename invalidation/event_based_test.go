package invalidation

import (
	"testing"
	"time"
)

func TestEventNames(t *testing.T) {
	if got := ModelCreated("User"); got != "User.created" {
		t.Fatalf("ModelCreated = %q", got)
	}
	if got := ModelUpdated("User"); got != "User.updated" {
		t.Fatalf("ModelUpdated = %q", got)
	}
	if got := ModelDeleted("User"); got != "User.deleted" {
		t.Fatalf("ModelDeleted = %q", got)
	}
	if got := APIEvent("POST /api/users"); got != "api.POST /api/users" {
		t.Fatalf("APIEvent = %q", got)
	}
}

func TestEventStrategyFiresOnTrigger(t *testing.T) {
	bus := newTestBus(t, 16)
	inv := &fakeInvalidator{}

	es := NewEventStrategy("on-import", bus, []string{"import.finished"}, []Rule{
		{Namespace: "catalog", Patterns: []string{"product:*"}},
	}, nil)

	if err := es.Start(inv); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer es.Stop()

	bus.Trigger("import.finished", nil)
	waitFor(t, func() bool {
		c, _, ns := inv.counts()
		return c == 1 && ns == 1
	})

	if clears := inv.clearCalls(); clears[0] != "catalog|product:*" {
		t.Fatalf("clear = %q", clears[0])
	}
}

func TestEventStrategyIgnoresUnboundEvents(t *testing.T) {
	bus := newTestBus(t, 16)
	inv := &fakeInvalidator{}

	es := NewEventStrategy("s", bus, []string{"bound"}, []Rule{{Tags: []string{"t"}}}, nil)
	es.Start(inv)
	defer es.Stop()

	bus.Trigger("unbound", nil)
	time.Sleep(50 * time.Millisecond)

	_, tags, _ := inv.counts()
	if tags != 0 {
		t.Fatal("strategy fired for unbound event")
	}
}

func TestEventStrategyStopDeregisters(t *testing.T) {
	bus := newTestBus(t, 16)
	inv := &fakeInvalidator{}

	es := NewEventStrategy("s", bus, []string{"ev"}, []Rule{{Tags: []string{"t"}}}, nil)
	es.Start(inv)
	es.Stop()

	bus.Trigger("ev", nil)
	time.Sleep(50 * time.Millisecond)

	_, tags, _ := inv.counts()
	if tags != 0 {
		t.Fatal("stopped strategy fired")
	}
}

func TestModelEventStrategyBindsLifecycleEvents(t *testing.T) {
	bus := newTestBus(t, 16)
	inv := &fakeInvalidator{}

	es := NewModelEventStrategy("books", bus, "Book", nil, nil)
	es.Start(inv)
	defer es.Stop()

	bus.Trigger(ModelCreated("Book"), nil)
	bus.Trigger(ModelUpdated("Book"), nil)
	bus.Trigger(ModelDeleted("Book"), nil)

	waitFor(t, func() bool {
		_, tags, _ := inv.counts()
		return tags == 3
	})

	// The default tag is the lowercase model name.
	for _, call := range inv.tagCalls() {
		if len(call) != 1 || call[0] != "book" {
			t.Fatalf("tags = %v, want [book]", call)
		}
	}
}

func TestModelEventStrategyKeepsExplicitTags(t *testing.T) {
	bus := newTestBus(t, 16)
	inv := &fakeInvalidator{}

	es := NewModelEventStrategy("books", bus, "Book", []Rule{{Tags: []string{"custom"}}}, nil)
	es.Start(inv)
	defer es.Stop()

	bus.Trigger(ModelUpdated("Book"), nil)
	waitFor(t, func() bool {
		_, tags, _ := inv.counts()
		return tags >= 1
	})

	if calls := inv.tagCalls(); len(calls) != 1 || calls[0][0] != "custom" {
		t.Fatalf("tags = %v, want the explicit rule only", calls)
	}
}
