// cmd/librarium/main.go
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"librarium/internal/catalog"
	"librarium/internal/eventbus"
	"librarium/internal/library"
	"librarium/internal/membership"
	"librarium/internal/storage"
)

func main() {
	ctx := context.Background()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing()

	var store storage.Store = storage.NewMemoryStore()
	if dir := os.Getenv("LIBRARIUM_DATA_DIR"); dir != "" {
		fileStore, err := storage.NewFileStore(dir)
		if err != nil {
			log.Fatalf("Failed to open data directory: %v", err)
		}
		store = fileStore
	}

	db := storage.NewDatabase(
		getEnv("LIBRARIUM_DB", "librarium-demo"),
		storage.WithStore(store),
	)
	bus := eventbus.New()
	lib := library.New(db, bus)

	subscribeConsole(lib)

	if err := lib.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize library: %v", err)
	}

	if err := runDemo(ctx, lib); err != nil {
		log.Printf("Demo scenario aborted: %v", err)
	}

	stats, err := lib.GetSystemStats()
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	log.Printf("Stats: %d books (%d available, %d borrowed), %d users, %d transactions",
		stats.TotalBooks, stats.AvailableBooks, stats.BorrowedBooks, stats.TotalUsers, stats.TotalTransactions)

	if err := lib.Shutdown(ctx); err != nil {
		log.Fatalf("Failed to shut down library: %v", err)
	}
}

// subscribeConsole attaches a console listener to every domain event, the
// way the original demo shell wired its logger, but through explicit
// dependency injection instead of ambient globals.
func subscribeConsole(lib *library.Library) {
	for _, event := range []string{
		library.EventSystemInitialized,
		library.EventUserRegistered,
		library.EventBookAdded,
		library.EventBookBorrowed,
		library.EventBookReturned,
	} {
		event := event
		lib.On(event, func(args ...any) error {
			log.Printf("event %s: %+v", event, args)
			return nil
		})
	}
}

func runDemo(ctx context.Context, lib *library.Library) error {
	book, err := catalog.NewBook(catalog.BookParams{
		ID:            uuid.NewString(),
		ISBN:          "9780134190440",
		Title:         "The Go Programming Language",
		Author:        "Alan A. A. Donovan",
		Category:      catalog.CategoryTechnology,
		PublishedYear: 2015,
		Publisher:     "Addison-Wesley",
		TotalCopies:   1,
	})
	if err != nil {
		return err
	}
	if err := lib.AddBook(ctx, book); err != nil {
		return err
	}

	user, err := membership.NewUser(membership.UserParams{
		ID:    uuid.NewString(),
		Email: "reader@example.com",
		Name:  "Demo Reader",
		Kind:  membership.KindMember,
	})
	if err != nil {
		return err
	}
	if err := user.SetPassword("correct horse battery staple"); err != nil {
		return err
	}
	if err := lib.RegisterUser(ctx, user); err != nil {
		return err
	}

	if _, err := lib.BorrowBook(ctx, user.ID(), book.ID()); err != nil {
		return err
	}

	// The only copy is out, so a second borrow must fail.
	if _, err := lib.BorrowBook(ctx, user.ID(), book.ID()); err != nil {
		log.Printf("second borrow rejected as expected: %v", err)
	}

	matches, err := lib.SearchBooks(library.SearchCriteria{Author: "donovan"})
	if err != nil {
		return err
	}
	log.Printf("search found %d title(s) by Donovan", len(matches))

	if _, err := lib.ReturnBook(ctx, user.ID(), book.ID()); err != nil {
		return err
	}
	return nil
}

// setupTracing installs an OTLP trace exporter when an endpoint is
// configured; otherwise tracing stays a no-op.
func setupTracing(ctx context.Context) (func(), error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "librarium"),
		)),
	)
	otel.SetTracerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shut down tracer provider: %v", err)
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
