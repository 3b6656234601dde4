// internal/chaos/experiments.go
package chaos

import (
	"context"
	"sync"
	"time"

	"librarium/internal/library"
	"librarium/internal/storage"
)

// StorageLatencyExperiment degrades the simulated database latency and
// checks that the facade keeps answering queries.
func StorageLatencyExperiment(lib *library.Library, db *storage.Database, degraded time.Duration) Experiment {
	statsProbe := Metric{
		Name: "stats_probe_ok",
		Query: func(ctx context.Context) (float64, error) {
			if _, err := lib.GetSystemStats(); err != nil {
				return 0, nil
			}
			return 1, nil
		},
		Threshold: Threshold{Operator: "==", Value: 1},
	}

	return Experiment{
		Name:        "storage-latency-injection",
		Hypothesis:  "The facade stays responsive while storage latency is degraded",
		SteadyState: []Metric{statsProbe},
		Method: []Action{
			{
				Type:   "inject-latency",
				Target: "storage",
				Execute: func(context.Context) error {
					db.SetLatency(degraded)
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-latency",
				Target: "storage",
				Execute: func(context.Context) error {
					db.SetLatency(storage.DefaultLatency)
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "stats_probe_ok",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "stats queries should still succeed under degraded storage",
			},
		},
		Duration: 1 * time.Second,
		Interval: 100 * time.Millisecond,
	}
}

// ConcurrentBorrowExperiment fires concurrent borrows from many users at a
// single-copy title and verifies that the inventory invariant holds and at
// most one borrow wins.
func ConcurrentBorrowExperiment(lib *library.Library, bookID string, userIDs []string) Experiment {
	var mu sync.Mutex
	successes := 0

	inventory := Metric{
		Name: "inventory_violations",
		Query: func(context.Context) (float64, error) {
			books, err := lib.SearchBooks(library.SearchCriteria{})
			if err != nil {
				return -1, err
			}
			violations := 0
			for _, b := range books {
				if b.AvailableCopies() < 0 || b.AvailableCopies() > b.TotalCopies() {
					violations++
				}
			}
			return float64(violations), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
	winners := Metric{
		Name: "successful_borrows",
		Query: func(context.Context) (float64, error) {
			mu.Lock()
			defer mu.Unlock()
			return float64(successes), nil
		},
		Threshold: Threshold{Operator: "<=", Value: 1},
	}

	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "At most one of N concurrent borrows of the last copy succeeds",
		SteadyState: []Metric{inventory, winners},
		Method: []Action{
			{
				Type:   "concurrent-borrows",
				Target: "library",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for _, userID := range userIDs {
						wg.Add(1)
						go func(userID string) {
							defer wg.Done()
							if _, err := lib.BorrowBook(ctx, userID, bookID); err == nil {
								mu.Lock()
								successes++
								mu.Unlock()
							}
						}(userID)
					}
					wg.Wait()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "inventory_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no book may exceed its copy inventory",
			},
			{
				Metric:    "successful_borrows",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one concurrent borrow should win the last copy",
			},
		},
		Duration: 500 * time.Millisecond,
		Interval: 100 * time.Millisecond,
	}
}
