// Package alert raises usage-threshold notifications from aggregated
// statistics. Each rule fires at most once per calendar day; fired markers
// are persisted so a restart cannot re-notify.
package alert

import (
	"context"
	"fmt"
	"log"

	"github.com/runnerr0/histo/internal/config"
	"github.com/runnerr0/histo/internal/storage"
)

// Notifier delivers one alert message. The default logs it.
type Notifier func(message string)

// Watcher evaluates alert rules against snapshots.
type Watcher struct {
	store  storage.Store
	rules  []config.AlertRule
	notify Notifier
}

// NewWatcher creates a Watcher. notify may be nil to log notifications.
func NewWatcher(store storage.Store, rules []config.AlertRule, notify Notifier) *Watcher {
	if notify == nil {
		notify = func(message string) { log.Printf("[histo] alert: %s", message) }
	}
	return &Watcher{store: store, rules: rules, notify: notify}
}

// Check fires every rule whose threshold today's snapshot has reached and
// that has not already fired today. Evaluation failures are returned but a
// single rule's bookkeeping error does not stop the remaining rules.
func (w *Watcher) Check(ctx context.Context, snap *storage.Snapshot) error {
	var firstErr error

	for _, rule := range w.rules {
		if rule.Minutes <= 0 {
			continue
		}

		minutes, ok := usageFor(snap, rule)
		if !ok || minutes < rule.Minutes {
			continue
		}

		fired, err := w.store.AlertFired(ctx, snap.Daily.Date, rule.Name())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if fired {
			continue
		}

		w.notify(message(rule, minutes))
		if err := w.store.MarkAlertFired(ctx, snap.Daily.Date, rule.Name()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// usageFor returns today's minutes for the rule's subject.
func usageFor(snap *storage.Snapshot, rule config.AlertRule) (int64, bool) {
	if rule.Domain != "" {
		for _, st := range snap.Sites {
			if st.Domain == rule.Domain {
				return st.Minutes, true
			}
		}
		return 0, false
	}
	for _, cs := range snap.Categories {
		if cs.Name == rule.Category {
			return cs.Minutes, true
		}
	}
	return 0, false
}

func message(rule config.AlertRule, minutes int64) string {
	if rule.Domain != "" {
		return fmt.Sprintf("%s reached %d minutes today (limit %d)", rule.Domain, minutes, rule.Minutes)
	}
	return fmt.Sprintf("category %s reached %d minutes today (limit %d)", rule.Category, minutes, rule.Minutes)
}
