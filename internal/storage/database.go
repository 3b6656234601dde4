// internal/storage/database.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"librarium/internal/logging"
)

var (
	// ErrNotConnected is returned by every operation invoked before Connect
	// or after Disconnect.
	ErrNotConnected = errors.New("database is not connected")

	// ErrAlreadyConnected is returned by a second Connect call.
	ErrAlreadyConnected = errors.New("database is already connected")
)

// DefaultLatency paces every operation to simulate I/O timing.
const DefaultLatency = 25 * time.Millisecond

// Database is a connection-gated, schema-validating simulated persistence
// layer over three tables: users and books keyed by id, transactions as an
// append-only list. State persists as a single snapshot blob in the backing
// Store, keyed by the connection string. Operations are paced by an
// artificial latency budget so callers keep an await-shaped control flow.
type Database struct {
	connString string
	store      Store
	logger     logging.Logger
	tracer     trace.Tracer
	limiter    *rate.Limiter

	mu           sync.RWMutex
	connected    bool
	users        map[string]UserRecord
	books        map[string]BookRecord
	transactions []TransactionRecord
}

// Option configures a Database.
type Option func(*Database)

// WithStore sets the backing blob store. Defaults to an in-memory store.
func WithStore(store Store) Option {
	return func(db *Database) { db.store = store }
}

// WithLogger sets the logger for swallowed read failures and warnings.
func WithLogger(logger logging.Logger) Option {
	return func(db *Database) { db.logger = logger }
}

// WithLatency sets the artificial per-operation latency. Zero disables
// pacing entirely.
func WithLatency(d time.Duration) Option {
	return func(db *Database) { db.limiter = newLimiter(d) }
}

func newLimiter(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

// NewDatabase creates a Database identified by connString. The connection
// string is only an identity for the persisted snapshot, not a real DSN.
func NewDatabase(connString string, opts ...Option) *Database {
	db := &Database{
		connString:   connString,
		store:        NewMemoryStore(),
		logger:       logging.Default(),
		tracer:       otel.Tracer("librarium/storage"),
		limiter:      newLimiter(DefaultLatency),
		users:        make(map[string]UserRecord),
		books:        make(map[string]BookRecord),
		transactions: make([]TransactionRecord, 0),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// SetLatency adjusts the artificial latency at runtime. Used by the chaos
// experiments to degrade storage mid-run.
func (db *Database) SetLatency(d time.Duration) {
	if d <= 0 {
		db.limiter.SetLimit(rate.Inf)
		return
	}
	db.limiter.SetLimit(rate.Every(d))
}

// begin performs the shared preamble of every operation: connection gate
// and latency pacing.
func (db *Database) begin(ctx context.Context, op string) error {
	db.mu.RLock()
	connected := db.connected
	db.mu.RUnlock()
	if !connected {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if err := db.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Connect loads the prior snapshot, if any, and opens the database for use.
// Connecting twice is an error. A backing-store read failure is swallowed
// with a warning and treated as no prior data.
func (db *Database) Connect(ctx context.Context) error {
	ctx, span := db.tracer.Start(ctx, "storage.connect",
		trace.WithAttributes(attribute.String("db.connection", db.connString)),
	)
	defer span.End()

	db.mu.Lock()
	if db.connected {
		db.mu.Unlock()
		return ErrAlreadyConnected
	}
	db.mu.Unlock()

	if err := db.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	snap := Snapshot{}
	blob, err := db.store.Read(ctx, db.connString)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		// First run, nothing to load.
	case err != nil:
		db.logger.Warn("storage: reading prior snapshot failed, starting empty: %v", err)
	default:
		if err := json.Unmarshal(blob, &snap); err != nil {
			db.logger.Warn("storage: prior snapshot is unreadable, starting empty: %v", err)
			snap = Snapshot{}
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	// Re-check under the lock: two Connects racing past the early gate must
	// still admit only one.
	if db.connected {
		return ErrAlreadyConnected
	}
	db.users = make(map[string]UserRecord, len(snap.Users))
	for _, u := range snap.Users {
		db.users[u.ID] = u
	}
	db.books = make(map[string]BookRecord, len(snap.Books))
	for _, b := range snap.Books {
		db.books[b.ID] = b
	}
	db.transactions = append([]TransactionRecord(nil), snap.Transactions...)
	db.connected = true

	span.SetAttributes(
		attribute.Int("users.loaded", len(db.users)),
		attribute.Int("books.loaded", len(db.books)),
		attribute.Int("transactions.loaded", len(db.transactions)),
	)
	return nil
}

// Disconnect persists the current state to the backing store and tears the
// connection down.
func (db *Database) Disconnect(ctx context.Context) error {
	ctx, span := db.tracer.Start(ctx, "storage.disconnect")
	defer span.End()

	if err := db.begin(ctx, "disconnect"); err != nil {
		span.RecordError(err)
		return err
	}

	if err := db.persist(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("disconnect: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.connected = false
	db.users = make(map[string]UserRecord)
	db.books = make(map[string]BookRecord)
	db.transactions = nil
	return nil
}

// persist writes the current snapshot blob under the connection key.
func (db *Database) persist(ctx context.Context) error {
	snap := db.currentSnapshot()
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := db.store.Write(ctx, db.connString, blob); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// currentSnapshot assembles a deterministic snapshot of all three tables.
func (db *Database) currentSnapshot() Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snap := Snapshot{
		Users:        make([]UserRecord, 0, len(db.users)),
		Books:        make([]BookRecord, 0, len(db.books)),
		Transactions: append([]TransactionRecord(nil), db.transactions...),
	}
	for _, u := range db.users {
		snap.Users = append(snap.Users, u)
	}
	for _, b := range db.books {
		snap.Books = append(snap.Books, b)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	sort.Slice(snap.Books, func(i, j int) bool { return snap.Books[i].ID < snap.Books[j].ID })
	return snap
}

// SaveUser validates and upserts a user record. The email must be unique
// across all other users.
func (db *Database) SaveUser(ctx context.Context, rec UserRecord) error {
	ctx, span := db.tracer.Start(ctx, "storage.save_user",
		trace.WithAttributes(attribute.String("record.id", rec.ID)),
	)
	defer span.End()

	if err := db.begin(ctx, "save user"); err != nil {
		span.RecordError(err)
		return err
	}
	if err := userSchema.Validate(rec); err != nil {
		span.RecordError(err)
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := checkUnique(userSchema, rec.ID, rec, db.users); err != nil {
		span.RecordError(err)
		return err
	}
	db.users[rec.ID] = rec
	return nil
}

// SaveBook validates and upserts a book record. The ISBN must be unique
// across all other books.
func (db *Database) SaveBook(ctx context.Context, rec BookRecord) error {
	ctx, span := db.tracer.Start(ctx, "storage.save_book",
		trace.WithAttributes(attribute.String("record.id", rec.ID)),
	)
	defer span.End()

	if err := db.begin(ctx, "save book"); err != nil {
		span.RecordError(err)
		return err
	}
	if err := bookSchema.Validate(rec); err != nil {
		span.RecordError(err)
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := checkUnique(bookSchema, rec.ID, rec, db.books); err != nil {
		span.RecordError(err)
		return err
	}
	db.books[rec.ID] = rec
	return nil
}

// checkUnique enforces the schema's Unique rules for rec against every other
// record in the table, identified by its id key. Caller holds the write lock.
func checkUnique[T any](s Schema, id string, rec T, others map[string]T) error {
	fields := s.uniqueFields()
	if len(fields) == 0 {
		return nil
	}
	doc, err := asDocument(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, field := range fields {
		want, ok := doc[field]
		if !ok || want == nil {
			continue
		}
		for otherID, other := range others {
			if otherID == id {
				continue
			}
			otherDoc, err := asDocument(other)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if reflect.DeepEqual(otherDoc[field], want) {
				return fmt.Errorf("%w: %s: field %q value %v already belongs to %q",
					ErrUniqueness, s.Table, field, want, otherID)
			}
		}
	}
	return nil
}

// SaveTransaction validates and stores a transaction record. A record with
// a known id replaces the stored one in place; everything else appends.
func (db *Database) SaveTransaction(ctx context.Context, rec TransactionRecord) error {
	ctx, span := db.tracer.Start(ctx, "storage.save_transaction",
		trace.WithAttributes(
			attribute.String("record.id", rec.ID),
			attribute.String("transaction.type", rec.Type),
		),
	)
	defer span.End()

	if err := db.begin(ctx, "save transaction"); err != nil {
		span.RecordError(err)
		return err
	}
	if err := transactionSchema.Validate(rec); err != nil {
		span.RecordError(err)
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for i, existing := range db.transactions {
		if existing.ID == rec.ID {
			db.transactions[i] = rec
			return nil
		}
	}
	db.transactions = append(db.transactions, rec)
	return nil
}

// FindUsers returns users matching every key/value pair in criteria.
// Criteria keys are JSON field names; matching is exact and shallow.
func (db *Database) FindUsers(ctx context.Context, criteria map[string]any) ([]UserRecord, error) {
	if err := db.begin(ctx, "find users"); err != nil {
		return nil, err
	}

	db.mu.RLock()
	records := make([]UserRecord, 0, len(db.users))
	for _, u := range db.users {
		records = append(records, u)
	}
	db.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return filterRecords(records, criteria)
}

// FindBooks returns books matching every key/value pair in criteria.
func (db *Database) FindBooks(ctx context.Context, criteria map[string]any) ([]BookRecord, error) {
	if err := db.begin(ctx, "find books"); err != nil {
		return nil, err
	}

	db.mu.RLock()
	records := make([]BookRecord, 0, len(db.books))
	for _, b := range db.books {
		records = append(records, b)
	}
	db.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return filterRecords(records, criteria)
}

// FindTransactions returns transactions matching every key/value pair in
// criteria, in insertion order.
func (db *Database) FindTransactions(ctx context.Context, criteria map[string]any) ([]TransactionRecord, error) {
	if err := db.begin(ctx, "find transactions"); err != nil {
		return nil, err
	}

	db.mu.RLock()
	records := append([]TransactionRecord(nil), db.transactions...)
	db.mu.RUnlock()

	return filterRecords(records, criteria)
}

// filterRecords keeps records whose JSON document contains every criteria
// pair. Criteria values are normalized through the same codec, so numeric
// types compare consistently.
func filterRecords[T any](records []T, criteria map[string]any) ([]T, error) {
	if len(criteria) == 0 {
		return records, nil
	}

	want, err := asDocument(criteria)
	if err != nil {
		return nil, fmt.Errorf("normalize criteria: %w", err)
	}

	matched := make([]T, 0, len(records))
	for _, rec := range records {
		doc, err := asDocument(rec)
		if err != nil {
			return nil, err
		}
		if documentMatches(doc, want) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// documentMatches compares structurally, so non-scalar criteria values
// (arrays, nested objects) never trip Go's comparability rules.
func documentMatches(doc, want map[string]any) bool {
	for key, expected := range want {
		actual, ok := doc[key]
		if !ok || !reflect.DeepEqual(actual, expected) {
			return false
		}
	}
	return true
}

// LoadAll returns a snapshot of all three tables.
func (db *Database) LoadAll(ctx context.Context) (Snapshot, error) {
	ctx, span := db.tracer.Start(ctx, "storage.load_all")
	defer span.End()

	if err := db.begin(ctx, "load all"); err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}

	snap := db.currentSnapshot()
	span.SetAttributes(
		attribute.Int("users.count", len(snap.Users)),
		attribute.Int("books.count", len(snap.Books)),
		attribute.Int("transactions.count", len(snap.Transactions)),
	)
	return snap, nil
}

// SaveAll validates and replaces the full contents of all three tables.
// Nothing is applied unless every record validates.
func (db *Database) SaveAll(ctx context.Context, snap Snapshot) error {
	ctx, span := db.tracer.Start(ctx, "storage.save_all")
	defer span.End()

	if err := db.begin(ctx, "save all"); err != nil {
		span.RecordError(err)
		return err
	}

	for _, u := range snap.Users {
		if err := userSchema.Validate(u); err != nil {
			span.RecordError(err)
			return err
		}
	}
	for _, b := range snap.Books {
		if err := bookSchema.Validate(b); err != nil {
			span.RecordError(err)
			return err
		}
	}
	for _, t := range snap.Transactions {
		if err := transactionSchema.Validate(t); err != nil {
			span.RecordError(err)
			return err
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.users = make(map[string]UserRecord, len(snap.Users))
	for _, u := range snap.Users {
		db.users[u.ID] = u
	}
	db.books = make(map[string]BookRecord, len(snap.Books))
	for _, b := range snap.Books {
		db.books[b.ID] = b
	}
	db.transactions = append([]TransactionRecord(nil), snap.Transactions...)
	return nil
}
