package invalidation

import (
	"context"
	"strings"
	"sync"

	"github.com/quanvm/tiercache/cache"
)

// Model lifecycle event names.
func ModelCreated(model string) string { return model + ".created" }
func ModelUpdated(model string) string { return model + ".updated" }
func ModelDeleted(model string) string { return model + ".deleted" }

// APIEvent names an endpoint-call event, e.g. "POST /api/users".
func APIEvent(endpoint string) string { return "api." + endpoint }

// EventStrategy fires its rules whenever one of its events is triggered
// on the bus. Registration happens on Start, deregistration on Stop.
type EventStrategy struct {
	name   string
	bus    *Bus
	events []string
	rules  []Rule
	logger cache.Logger

	mu   sync.Mutex
	subs map[string]int
}

// NewEventStrategy binds the rules to the named events on bus.
func NewEventStrategy(name string, bus *Bus, events []string, rules []Rule, logger cache.Logger) *EventStrategy {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &EventStrategy{
		name:   name,
		bus:    bus,
		events: events,
		rules:  rules,
		logger: logger,
	}
}

// NewModelEventStrategy binds the rules to a model's created/updated/
// deleted events. When no rule carries tags, the model's lowercase name
// is used as the default tag.
func NewModelEventStrategy(name string, bus *Bus, model string, rules []Rule, logger cache.Logger) *EventStrategy {
	events := []string{ModelCreated(model), ModelUpdated(model), ModelDeleted(model)}

	tagged := false
	for _, r := range rules {
		if len(r.Tags) > 0 {
			tagged = true
			break
		}
	}
	if !tagged {
		rules = append(rules, Rule{Tags: []string{strings.ToLower(model)}})
	}

	return NewEventStrategy(name, bus, events, rules, logger)
}

// Name identifies the strategy.
func (es *EventStrategy) Name() string { return es.name }

// Start registers a handler for each bound event.
func (es *EventStrategy) Start(inv Invalidator) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.subs != nil {
		return nil
	}
	es.subs = make(map[string]int, len(es.events))
	for _, event := range es.events {
		es.subs[event] = es.bus.On(event, func(ctx context.Context, _ Event) {
			for _, rule := range es.rules {
				rule.Apply(ctx, inv, es.logger)
			}
		})
	}
	return nil
}

// Stop deregisters every handler.
func (es *EventStrategy) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	for event, id := range es.subs {
		es.bus.Off(event, id)
	}
	es.subs = nil
}
