// internal/library/library.go
package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarium/internal/catalog"
	"librarium/internal/eventbus"
	"librarium/internal/logging"
	"librarium/internal/membership"
	"librarium/internal/storage"
)

// Domain event names. External collaborators subscribe to exactly these.
const (
	EventSystemInitialized = "system.initialized"
	EventUserRegistered    = "user.registered"
	EventBookAdded         = "book.added"
	EventBookBorrowed      = "book.borrowed"
	EventBookReturned      = "book.returned"
)

var (
	// ErrNotInitialized is returned by every method except Initialize while
	// the library is uninitialized.
	ErrNotInitialized = errors.New("library is not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("library is already initialized")

	// ErrDuplicateUser and ErrDuplicateBook reject re-registered ids.
	ErrDuplicateUser = errors.New("user id already registered")
	ErrDuplicateBook = errors.New("book id already in catalog")

	// ErrUserNotFound and ErrBookNotFound report unknown ids.
	ErrUserNotFound = errors.New("user not found")
	ErrBookNotFound = errors.New("book not found")

	// ErrNoActiveBorrow is returned by ReturnBook when no active borrow
	// transaction exists for the (user, book) pair.
	ErrNoActiveBorrow = errors.New("no active borrow transaction")
)

// InitializedPayload accompanies the system.initialized event.
type InitializedPayload struct {
	Users        int
	Books        int
	Transactions int
	Timestamp    time.Time
}

// UserRegisteredPayload accompanies the user.registered event.
type UserRegisteredPayload struct {
	UserID    string
	Name      string
	Email     string
	Type      string
	Timestamp time.Time
}

// BookAddedPayload accompanies the book.added event.
type BookAddedPayload struct {
	BookID    string
	Title     string
	Author    string
	ISBN      string
	Copies    int
	Timestamp time.Time
}

// BorrowedPayload accompanies the book.borrowed event.
type BorrowedPayload struct {
	UserID    string
	UserName  string
	BookID    string
	BookTitle string
	DueDate   time.Time
	Timestamp time.Time
}

// ReturnedPayload accompanies the book.returned event.
type ReturnedPayload struct {
	UserID    string
	UserName  string
	BookID    string
	BookTitle string
	Overdue   bool
	LateFee   float64
	Timestamp time.Time
}

// Stats is the on-demand aggregate view of the system.
type Stats struct {
	TotalBooks        int
	AvailableBooks    int
	BorrowedBooks     int
	TotalUsers        int
	ActiveUsers       int
	TotalTransactions int
	ActiveLoans       int
}

// SearchCriteria filters the catalog with AND semantics across every field
// that is set: title and author match by substring, ISBN exactly, and
// Available restricts to books that can (or cannot) be borrowed now.
type SearchCriteria struct {
	Title     string
	Author    string
	ISBN      string
	Available *bool
}

// Library is the facade coordinating the event bus, the simulated database,
// and the in-memory entity maps. It owns the only mutation paths for books
// and users, and a facade-wide write lock serializes transactions so the
// borrow availability check and its effect are atomic.
type Library struct {
	bus    *eventbus.Bus
	db     *storage.Database
	logger logging.Logger
	tracer trace.Tracer
	clock  func() time.Time

	mu           sync.RWMutex
	initialized  bool
	users        map[string]*membership.User
	books        map[string]*catalog.Book
	transactions []storage.TransactionRecord
}

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the logger for restore warnings.
func WithLogger(logger logging.Logger) Option {
	return func(l *Library) { l.logger = logger }
}

// WithClock injects the timestamp source used for borrow dates, due dates,
// and fee computation. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(l *Library) { l.clock = clock }
}

// New creates an uninitialized Library over the given database and bus.
func New(db *storage.Database, bus *eventbus.Bus, opts ...Option) *Library {
	l := &Library{
		bus:    bus,
		db:     db,
		logger: logging.Default(),
		tracer: otel.Tracer("librarium/library"),
		clock:  time.Now,
		users:  make(map[string]*membership.User),
		books:  make(map[string]*catalog.Book),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// On subscribes fn to a domain event without exposing the bus internals.
func (l *Library) On(event string, fn eventbus.Listener) {
	l.bus.On(event, fn)
}

// Off removes a previously subscribed listener.
func (l *Library) Off(event string, fn eventbus.Listener) {
	l.bus.Off(event, fn)
}

// Initialize connects the database, loads the prior snapshot into the
// in-memory maps, and flips the library to initialized. The state does not
// flip if the connection fails. Emits system.initialized.
func (l *Library) Initialize(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "library.initialize")
	defer span.End()

	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return ErrAlreadyInitialized
	}
	l.mu.Unlock()

	if err := l.db.Connect(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("initialize: %w", err)
	}

	snap, err := l.db.LoadAll(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("initialize: %w", err)
	}

	l.mu.Lock()
	l.users = make(map[string]*membership.User, len(snap.Users))
	for _, rec := range snap.Users {
		user, err := membership.RestoreUser(rec)
		if err != nil {
			l.logger.Warn("library: skipping unreadable user record %q: %v", rec.ID, err)
			continue
		}
		l.users[user.ID()] = user
	}
	l.books = make(map[string]*catalog.Book, len(snap.Books))
	for _, rec := range snap.Books {
		book, err := catalog.RestoreBook(rec)
		if err != nil {
			l.logger.Warn("library: skipping unreadable book record %q: %v", rec.ID, err)
			continue
		}
		l.books[book.ID()] = book
	}
	l.transactions = append([]storage.TransactionRecord(nil), snap.Transactions...)
	l.initialized = true
	payload := InitializedPayload{
		Users:        len(l.users),
		Books:        len(l.books),
		Transactions: len(l.transactions),
		Timestamp:    l.clock(),
	}
	l.mu.Unlock()

	span.SetAttributes(
		attribute.Int("users.loaded", payload.Users),
		attribute.Int("books.loaded", payload.Books),
	)
	l.bus.Emit(EventSystemInitialized, payload)
	return nil
}

// requireInitialized is the guard shared by every operation but Initialize.
func (l *Library) requireInitialized() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	return nil
}

// RegisterUser adds a user to the system and persists it. Duplicate ids are
// rejected before the database's own email uniqueness check runs. Emits
// user.registered.
func (l *Library) RegisterUser(ctx context.Context, user *membership.User) error {
	if err := l.requireInitialized(); err != nil {
		return err
	}

	l.mu.Lock()
	if _, exists := l.users[user.ID()]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateUser, user.ID())
	}
	l.mu.Unlock()

	if err := l.db.SaveUser(ctx, user.Snapshot()); err != nil {
		return fmt.Errorf("register user: %w", err)
	}

	l.mu.Lock()
	l.users[user.ID()] = user
	l.mu.Unlock()

	l.bus.Emit(EventUserRegistered, UserRegisteredPayload{
		UserID:    user.ID(),
		Name:      user.Name(),
		Email:     user.Email(),
		Type:      string(user.Type()),
		Timestamp: l.clock(),
	})
	return nil
}

// AddBook adds a title to the catalog and persists it. Emits book.added.
func (l *Library) AddBook(ctx context.Context, book *catalog.Book) error {
	if err := l.requireInitialized(); err != nil {
		return err
	}

	l.mu.Lock()
	if _, exists := l.books[book.ID()]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateBook, book.ID())
	}
	l.mu.Unlock()

	if err := l.db.SaveBook(ctx, book.Snapshot()); err != nil {
		return fmt.Errorf("add book: %w", err)
	}

	l.mu.Lock()
	l.books[book.ID()] = book
	l.mu.Unlock()

	l.bus.Emit(EventBookAdded, BookAddedPayload{
		BookID:    book.ID(),
		Title:     book.Title(),
		Author:    book.Author(),
		ISBN:      book.ISBN(),
		Copies:    book.TotalCopies(),
		Timestamp: l.clock(),
	})
	return nil
}

// GetUser resolves a user by id.
func (l *Library) GetUser(id string) (*membership.User, error) {
	if err := l.requireInitialized(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	user, ok := l.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, id)
	}
	return user, nil
}

// GetBook resolves a book by id.
func (l *Library) GetBook(id string) (*catalog.Book, error) {
	if err := l.requireInitialized(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	book, ok := l.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBookNotFound, id)
	}
	return book, nil
}

// newTransactionID builds a globally unique id: time-ordered prefix plus a
// random suffix.
func (l *Library) newTransactionID(now time.Time) string {
	return fmt.Sprintf("txn-%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// BorrowBook lends bookID to userID: it validates both parties, computes
// the due date from the user's policy, mutates the book state machine,
// records an active borrow transaction, and persists everything. The whole
// operation runs under the facade write lock, so concurrent borrows of the
// last copy cannot both pass the availability check. Emits book.borrowed.
func (l *Library) BorrowBook(ctx context.Context, userID, bookID string) (storage.TransactionRecord, error) {
	ctx, span := l.tracer.Start(ctx, "library.borrow_book",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("book.id", bookID),
		),
	)
	defer span.End()

	if err := l.requireInitialized(); err != nil {
		return storage.TransactionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	user, ok := l.users[userID]
	if !ok {
		return storage.TransactionRecord{}, fmt.Errorf("%w: %q", ErrUserNotFound, userID)
	}
	book, ok := l.books[bookID]
	if !ok {
		return storage.TransactionRecord{}, fmt.Errorf("%w: %q", ErrBookNotFound, bookID)
	}

	bookBefore := book.Snapshot()
	userBefore := user.Snapshot()

	now := l.clock()
	due, err := user.BorrowBook(bookID, now)
	if err != nil {
		span.RecordError(err)
		return storage.TransactionRecord{}, fmt.Errorf("borrow book: %w", err)
	}
	if err := book.Borrow(userID, now, due); err != nil {
		// Roll the loan record back so the user ledger stays consistent.
		if _, rbErr := user.ReturnBook(bookID); rbErr != nil {
			l.logger.Error("library: loan rollback failed for user %q book %q: %v", userID, bookID, rbErr)
		}
		span.RecordError(err)
		return storage.TransactionRecord{}, fmt.Errorf("borrow book: %w", err)
	}

	tx := storage.TransactionRecord{
		ID:         l.newTransactionID(now),
		Type:       storage.TransactionBorrow,
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: &now,
		DueDate:    &due,
		Status:     storage.TransactionActive,
	}
	l.transactions = append(l.transactions, tx)

	if err := l.persistBorrow(ctx, user, book, tx); err != nil {
		// Compensate the in-memory mutations before surfacing the failure.
		l.transactions = l.transactions[:len(l.transactions)-1]
		l.restoreEntities(bookID, bookBefore, userID, userBefore)
		span.RecordError(err)
		return storage.TransactionRecord{}, fmt.Errorf("borrow book: %w", err)
	}

	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	l.emitUnlocked(EventBookBorrowed, BorrowedPayload{
		UserID:    userID,
		UserName:  user.Name(),
		BookID:    bookID,
		BookTitle: book.Title(),
		DueDate:   due,
		Timestamp: now,
	})
	return tx, nil
}

func (l *Library) persistBorrow(ctx context.Context, user *membership.User, book *catalog.Book, tx storage.TransactionRecord) error {
	if err := l.db.SaveBook(ctx, book.Snapshot()); err != nil {
		return err
	}
	if err := l.db.SaveUser(ctx, user.Snapshot()); err != nil {
		return err
	}
	return l.db.SaveTransaction(ctx, tx)
}

// ReturnBook completes the single active borrow transaction for the
// (user, book) pair, computes the late fee, flips the borrow transaction to
// completed, and records a return transaction. Emits book.returned.
func (l *Library) ReturnBook(ctx context.Context, userID, bookID string) (storage.TransactionRecord, error) {
	ctx, span := l.tracer.Start(ctx, "library.return_book",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("book.id", bookID),
		),
	)
	defer span.End()

	if err := l.requireInitialized(); err != nil {
		return storage.TransactionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	user, ok := l.users[userID]
	if !ok {
		return storage.TransactionRecord{}, fmt.Errorf("%w: %q", ErrUserNotFound, userID)
	}
	book, ok := l.books[bookID]
	if !ok {
		return storage.TransactionRecord{}, fmt.Errorf("%w: %q", ErrBookNotFound, bookID)
	}

	borrowIdx := -1
	for i := len(l.transactions) - 1; i >= 0; i-- {
		t := l.transactions[i]
		if t.Type == storage.TransactionBorrow && t.Status == storage.TransactionActive &&
			t.UserID == userID && t.BookID == bookID {
			borrowIdx = i
			break
		}
	}
	if borrowIdx < 0 {
		return storage.TransactionRecord{}, fmt.Errorf("%w: user %q book %q", ErrNoActiveBorrow, userID, bookID)
	}

	bookBefore := book.Snapshot()
	userBefore := user.Snapshot()

	now := l.clock()
	receipt, err := book.Return(now)
	if err != nil {
		span.RecordError(err)
		return storage.TransactionRecord{}, fmt.Errorf("return book: %w", err)
	}
	if _, err := user.ReturnBook(bookID); err != nil {
		l.logger.Warn("library: user %q had no loan record for returned book %q: %v", userID, bookID, err)
	}

	lateFee := 0.0
	if receipt.Overdue {
		lateFee = float64(receipt.DaysOverdue) * membership.FinePerDay
	}

	borrow := l.transactions[borrowIdx]
	borrow.Status = storage.TransactionCompleted
	l.transactions[borrowIdx] = borrow

	ret := storage.TransactionRecord{
		ID:         l.newTransactionID(now),
		Type:       storage.TransactionReturn,
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: borrow.BorrowDate,
		DueDate:    borrow.DueDate,
		ReturnDate: &now,
		LateFee:    lateFee,
		Status:     storage.TransactionCompleted,
	}
	l.transactions = append(l.transactions, ret)

	if err := l.persistReturn(ctx, user, book, borrow, ret); err != nil {
		// Compensate the in-memory mutations before surfacing the failure,
		// so a retried return still finds the active borrow.
		l.transactions = l.transactions[:len(l.transactions)-1]
		active := l.transactions[borrowIdx]
		active.Status = storage.TransactionActive
		l.transactions[borrowIdx] = active
		l.restoreEntities(bookID, bookBefore, userID, userBefore)
		span.RecordError(err)
		return storage.TransactionRecord{}, fmt.Errorf("return book: %w", err)
	}

	span.SetAttributes(
		attribute.String("transaction.id", ret.ID),
		attribute.Float64("late.fee", lateFee),
	)
	l.emitUnlocked(EventBookReturned, ReturnedPayload{
		UserID:    userID,
		UserName:  user.Name(),
		BookID:    bookID,
		BookTitle: book.Title(),
		Overdue:   receipt.Overdue,
		LateFee:   lateFee,
		Timestamp: now,
	})
	return ret, nil
}

func (l *Library) persistReturn(ctx context.Context, user *membership.User, book *catalog.Book, borrow, ret storage.TransactionRecord) error {
	if err := l.db.SaveBook(ctx, book.Snapshot()); err != nil {
		return err
	}
	if err := l.db.SaveUser(ctx, user.Snapshot()); err != nil {
		return err
	}
	if err := l.db.SaveTransaction(ctx, borrow); err != nil {
		return err
	}
	return l.db.SaveTransaction(ctx, ret)
}

// restoreEntities rebuilds the book and the user from pre-transaction
// snapshots after a failed persist, replacing the mutated instances in the
// registries. Caller holds the write lock.
func (l *Library) restoreEntities(bookID string, bookRec storage.BookRecord, userID string, userRec storage.UserRecord) {
	book, err := catalog.RestoreBook(bookRec)
	if err != nil {
		l.logger.Error("library: book rollback failed for %q: %v", bookID, err)
	} else {
		l.books[bookID] = book
	}
	user, err := membership.RestoreUser(userRec)
	if err != nil {
		l.logger.Error("library: user rollback failed for %q: %v", userID, err)
	} else {
		l.users[userID] = user
	}
}

// emitUnlocked publishes an event from inside a locked section without
// holding the facade lock across listener code.
func (l *Library) emitUnlocked(event string, payload any) {
	l.mu.Unlock()
	defer l.mu.Lock()
	l.bus.Emit(event, payload)
}

// SearchBooks scans the catalog, combining every set criterion with AND
// semantics.
func (l *Library) SearchBooks(criteria SearchCriteria) ([]*catalog.Book, error) {
	if err := l.requireInitialized(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	books := make([]*catalog.Book, 0, len(l.books))
	for _, b := range l.books {
		books = append(books, b)
	}
	l.mu.RUnlock()

	matched := make([]*catalog.Book, 0)
	for _, b := range books {
		if criteria.Title != "" && !containsFold(b.Title(), criteria.Title) {
			continue
		}
		if criteria.Author != "" && !containsFold(b.Author(), criteria.Author) {
			continue
		}
		if criteria.ISBN != "" && b.ISBN() != criteria.ISBN {
			continue
		}
		if criteria.Available != nil && b.IsAvailable() != *criteria.Available {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	return matched, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// GetSystemStats computes the aggregate counts on demand.
func (l *Library) GetSystemStats() (Stats, error) {
	if err := l.requireInitialized(); err != nil {
		return Stats{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalBooks:        len(l.books),
		TotalUsers:        len(l.users),
		TotalTransactions: len(l.transactions),
	}
	for _, b := range l.books {
		switch b.Status() {
		case catalog.StatusAvailable:
			stats.AvailableBooks++
		case catalog.StatusBorrowed:
			stats.BorrowedBooks++
		}
	}
	for _, u := range l.users {
		if u.IsActive() {
			stats.ActiveUsers++
		}
		stats.ActiveLoans += len(u.BorrowedBooks())
	}
	return stats, nil
}

// Transactions returns a copy of the transaction log in creation order.
func (l *Library) Transactions() ([]storage.TransactionRecord, error) {
	if err := l.requireInitialized(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]storage.TransactionRecord(nil), l.transactions...), nil
}

// Shutdown persists the full in-memory state, disconnects the database,
// clears every event listener, and returns the library to uninitialized.
func (l *Library) Shutdown(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "library.shutdown")
	defer span.End()

	if err := l.requireInitialized(); err != nil {
		return err
	}

	l.mu.Lock()
	snap := storage.Snapshot{
		Users:        make([]storage.UserRecord, 0, len(l.users)),
		Books:        make([]storage.BookRecord, 0, len(l.books)),
		Transactions: append([]storage.TransactionRecord(nil), l.transactions...),
	}
	for _, u := range l.users {
		snap.Users = append(snap.Users, u.Snapshot())
	}
	for _, b := range l.books {
		snap.Books = append(snap.Books, b.Snapshot())
	}
	l.mu.Unlock()

	if err := l.db.SaveAll(ctx, snap); err != nil {
		span.RecordError(err)
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := l.db.Disconnect(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("shutdown: %w", err)
	}

	l.mu.Lock()
	l.initialized = false
	l.users = make(map[string]*membership.User)
	l.books = make(map[string]*catalog.Book)
	l.transactions = nil
	l.mu.Unlock()

	l.bus.RemoveAllListeners()
	return nil
}
