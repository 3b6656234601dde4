// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"librarium/internal/catalog"
	"librarium/internal/chaos"
	"librarium/internal/eventbus"
	"librarium/internal/library"
	"librarium/internal/logging"
	"librarium/internal/membership"
	"librarium/internal/storage"
)

const raceContenders = 10

func main() {
	ctx := context.Background()
	logger := logging.Default()

	db := storage.NewDatabase("librarium-chaos", storage.WithLatency(5*time.Millisecond))
	bus := eventbus.New()
	lib := library.New(db, bus)

	if err := lib.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize library: %v", err)
	}

	bookID, userIDs, err := seed(ctx, lib)
	if err != nil {
		log.Fatalf("Failed to seed fixtures: %v", err)
	}

	engine := chaos.NewEngine(logger)
	engine.Register(chaos.StorageLatencyExperiment(lib, db, 250*time.Millisecond))
	engine.Register(chaos.ConcurrentBorrowExperiment(lib, bookID, userIDs))

	for _, result := range engine.RunAll(ctx) {
		verdict := "hypothesis held"
		if !result.HypothesisHeld {
			verdict = "hypothesis violated"
		}
		log.Printf("%s: %s in %s (%d violations)",
			result.ExperimentName, verdict, result.Duration.Round(time.Millisecond), len(result.Violations))
	}

	if err := lib.Shutdown(ctx); err != nil {
		log.Fatalf("Failed to shut down library: %v", err)
	}
}

// seed creates one single-copy title and the contending members the race
// experiment borrows with.
func seed(ctx context.Context, lib *library.Library) (string, []string, error) {
	book, err := catalog.NewBook(catalog.BookParams{
		ID:          "contested-title",
		ISBN:        "9780321125217",
		Title:       "Domain-Driven Design",
		Author:      "Eric Evans",
		Category:    catalog.CategoryTechnology,
		TotalCopies: 1,
	})
	if err != nil {
		return "", nil, err
	}
	if err := lib.AddBook(ctx, book); err != nil {
		return "", nil, err
	}

	userIDs := make([]string, 0, raceContenders)
	for i := 0; i < raceContenders; i++ {
		id := fmt.Sprintf("contender-%d", i)
		user, err := membership.NewUser(membership.UserParams{
			ID:    id,
			Email: fmt.Sprintf("contender%d@example.com", i),
			Name:  fmt.Sprintf("Contender %d", i),
			Kind:  membership.KindMember,
		})
		if err != nil {
			return "", nil, err
		}
		if err := lib.RegisterUser(ctx, user); err != nil {
			return "", nil, err
		}
		userIDs = append(userIDs, id)
	}
	return book.ID(), userIDs, nil
}
