package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/quanvm/tiercache/cache"
)

// cronParser accepts standard 5-field expressions (minute through
// day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// TimeStrategy fires its rules on a repeating schedule, either a fixed
// interval or a cron expression. Each instance runs one goroutine that
// cycles waiting -> firing -> waiting until stopped.
type TimeStrategy struct {
	name     string
	interval time.Duration
	sched    cron.Schedule
	rules    []Rule
	logger   cache.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	inv     Invalidator
}

// NewIntervalStrategy fires the rules every interval.
func NewIntervalStrategy(name string, interval time.Duration, rules []Rule, logger cache.Logger) (*TimeStrategy, error) {
	if interval <= 0 {
		return nil, errors.Wrap(cache.ErrInvalidConfig, "interval must be positive")
	}
	return newTimeStrategy(name, interval, nil, rules, logger), nil
}

// NewCronStrategy fires the rules per a 5-field cron expression.
func NewCronStrategy(name, expr string, rules []Rule, logger cache.Logger) (*TimeStrategy, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing cron expression %q", expr)
	}
	return newTimeStrategy(name, 0, sched, rules, logger), nil
}

// NewDailyStrategy fires the rules once a day at hour:minute.
func NewDailyStrategy(name string, hour, minute int, rules []Rule, logger cache.Logger) (*TimeStrategy, error) {
	return NewCronStrategy(name, fmt.Sprintf("%d %d * * *", minute, hour), rules, logger)
}

// NewWeeklyStrategy fires the rules once a week on the given weekday at
// hour:minute.
func NewWeeklyStrategy(name string, weekday time.Weekday, hour, minute int, rules []Rule, logger cache.Logger) (*TimeStrategy, error) {
	return NewCronStrategy(name, fmt.Sprintf("%d %d * * %d", minute, hour, int(weekday)), rules, logger)
}

func newTimeStrategy(name string, interval time.Duration, sched cron.Schedule, rules []Rule, logger cache.Logger) *TimeStrategy {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &TimeStrategy{
		name:     name,
		interval: interval,
		sched:    sched,
		rules:    rules,
		logger:   logger,
	}
}

// Name identifies the strategy.
func (ts *TimeStrategy) Name() string { return ts.name }

// Start launches the schedule goroutine.
func (ts *TimeStrategy) Start(inv Invalidator) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.running {
		return nil
	}
	ts.running = true
	ts.inv = inv
	ts.done = make(chan struct{})

	ts.wg.Add(1)
	go ts.run()
	return nil
}

// Stop halts the schedule and waits for an in-flight firing.
func (ts *TimeStrategy) Stop() {
	ts.mu.Lock()
	if !ts.running {
		ts.mu.Unlock()
		return
	}
	ts.running = false
	close(ts.done)
	ts.mu.Unlock()

	ts.wg.Wait()
}

// FireOnce fires the rules once after delay, outside the regular
// schedule.
func (ts *TimeStrategy) FireOnce(inv Invalidator, delay time.Duration) {
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ts.done:
		case <-timer.C:
			ts.fire(inv)
		}
	}()
}

func (ts *TimeStrategy) run() {
	defer ts.wg.Done()

	for {
		var wait time.Duration
		if ts.sched != nil {
			wait = time.Until(ts.sched.Next(time.Now()))
		} else {
			wait = ts.interval
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ts.done:
			timer.Stop()
			return
		case <-timer.C:
			ts.fire(ts.inv)
		}
	}
}

func (ts *TimeStrategy) fire(inv Invalidator) {
	ctx := context.Background()
	for _, rule := range ts.rules {
		rule.Apply(ctx, inv, ts.logger)
	}
	ts.logger.Info("scheduled invalidation fired", "strategy", ts.name, "rules", len(ts.rules))
}