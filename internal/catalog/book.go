// internal/catalog/book.go
package catalog

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"librarium/internal/storage"
)

var (
	// ErrNotAvailable is returned when a borrow is attempted against a book
	// that is not available or has no free copies.
	ErrNotAvailable = errors.New("book is not available")

	// ErrNotBorrowed is returned by Return on a book that is not borrowed.
	ErrNotBorrowed = errors.New("book is not borrowed")

	// ErrAlreadyReserved is returned when the single reservation slot is taken.
	ErrAlreadyReserved = errors.New("book is already reserved")

	// ErrNotReserved is returned by CancelReservation without a reservation.
	ErrNotReserved = errors.New("book is not reserved")

	// ErrInMaintenance guards maintenance transitions invoked in the wrong state.
	ErrInMaintenance = errors.New("book is not in maintenance")

	// ErrCopiesExhausted is returned when removing or pulling more copies
	// than are currently available.
	ErrCopiesExhausted = errors.New("not enough available copies")

	// ErrInvalidBook wraps every constructor validation failure.
	ErrInvalidBook = errors.New("invalid book")
)

// Status is the lifecycle state of a book title.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBorrowed    Status = "borrowed"
	StatusReserved    Status = "reserved"
	StatusMaintenance Status = "maintenance"
	StatusLost        Status = "lost"
)

// Category is the closed set of shelving categories.
type Category string

const (
	CategoryFiction    Category = "fiction"
	CategoryNonFiction Category = "non-fiction"
	CategoryScience    Category = "science"
	CategoryTechnology Category = "technology"
	CategoryHistory    Category = "history"
	CategoryBiography  Category = "biography"
	CategoryChildren   Category = "children"
	CategoryReference  Category = "reference"
)

var validCategories = map[Category]struct{}{
	CategoryFiction: {}, CategoryNonFiction: {}, CategoryScience: {},
	CategoryTechnology: {}, CategoryHistory: {}, CategoryBiography: {},
	CategoryChildren: {}, CategoryReference: {},
}

// BookParams carries the constructor inputs for a Book.
type BookParams struct {
	ID            string
	ISBN          string
	Title         string
	Author        string
	Category      Category
	PublishedYear int
	Publisher     string
	Location      string
	Description   string
	TotalCopies   int
}

// Book is a catalog title with a copy inventory and a borrow lifecycle.
// All state lives behind the struct and changes only through methods; the
// internal mutex makes each transition atomic, so two concurrent borrows of
// the last copy cannot both pass the availability check.
type Book struct {
	mu sync.Mutex

	id            string
	isbn          string
	title         string
	author        string
	category      Category
	publishedYear int
	publisher     string
	location      string
	description   string

	totalCopies     int
	availableCopies int
	status          Status

	borrowedBy string
	borrowDate time.Time
	dueDate    time.Time
	reservedBy string
}

// NewBook validates params and creates an available book with a full
// inventory. A book starts with at least one copy.
func NewBook(p BookParams) (*Book, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidBook)
	}
	if !validISBN(p.ISBN) {
		return nil, fmt.Errorf("%w: isbn %q must be 10 or 13 digits", ErrInvalidBook, p.ISBN)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	if strings.TrimSpace(p.Author) == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalidBook)
	}
	if _, ok := validCategories[p.Category]; !ok {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidBook, p.Category)
	}
	if p.PublishedYear > time.Now().Year() {
		return nil, fmt.Errorf("%w: published year %d is in the future", ErrInvalidBook, p.PublishedYear)
	}
	if p.TotalCopies < 1 {
		return nil, fmt.Errorf("%w: at least one copy is required", ErrInvalidBook)
	}

	return &Book{
		id:              p.ID,
		isbn:            p.ISBN,
		title:           strings.TrimSpace(p.Title),
		author:          strings.TrimSpace(p.Author),
		category:        p.Category,
		publishedYear:   p.PublishedYear,
		publisher:       p.Publisher,
		location:        p.Location,
		description:     p.Description,
		totalCopies:     p.TotalCopies,
		availableCopies: p.TotalCopies,
		status:          StatusAvailable,
	}, nil
}

func validISBN(isbn string) bool {
	if len(isbn) != 10 && len(isbn) != 13 {
		return false
	}
	for _, r := range isbn {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Borrow transitions the book to borrowed for userID with the given due
// date, consuming one available copy. A reserved book can only be borrowed
// by the user holding the reservation, which also releases it.
func (b *Book) Borrow(userID string, now, dueDate time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.status == StatusAvailable && b.availableCopies > 0:
		// Plain borrow.
	case b.status == StatusReserved && b.reservedBy == userID && b.availableCopies > 0:
		b.reservedBy = ""
	default:
		return fmt.Errorf("%w: %q (status %s, %d available)", ErrNotAvailable, b.id, b.status, b.availableCopies)
	}

	b.status = StatusBorrowed
	b.borrowedBy = userID
	b.borrowDate = now
	b.dueDate = dueDate
	b.availableCopies--
	return nil
}

// ReturnReceipt summarizes a completed return.
type ReturnReceipt struct {
	BookID      string
	UserID      string
	BorrowedAt  time.Time
	DueAt       time.Time
	ReturnedAt  time.Time
	Overdue     bool
	DaysOverdue int
}

// Return completes the active borrow, restores the copy, and reports
// whether the return was overdue. If a reservation is pending the book
// parks in the reserved state instead of becoming generally available.
func (b *Book) Return(now time.Time) (ReturnReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusBorrowed {
		return ReturnReceipt{}, fmt.Errorf("%w: %q (status %s)", ErrNotBorrowed, b.id, b.status)
	}

	receipt := ReturnReceipt{
		BookID:     b.id,
		UserID:     b.borrowedBy,
		BorrowedAt: b.borrowDate,
		DueAt:      b.dueDate,
		ReturnedAt: now,
	}
	if now.After(b.dueDate) {
		receipt.Overdue = true
		receipt.DaysOverdue = daysLate(b.dueDate, now)
	}

	b.borrowedBy = ""
	b.borrowDate = time.Time{}
	b.dueDate = time.Time{}
	b.availableCopies++
	if b.reservedBy != "" {
		b.status = StatusReserved
	} else {
		b.status = StatusAvailable
	}
	return receipt, nil
}

func daysLate(due, now time.Time) int {
	return int(math.Ceil(now.Sub(due).Hours() / 24))
}

// Reserve claims the single reservation slot for userID. Reserving a book
// that could simply be borrowed is rejected. This is a one-slot flag, not a
// hold queue.
func (b *Book) Reserve(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status == StatusAvailable && b.availableCopies > 0 {
		return fmt.Errorf("book %q is available, borrow it instead of reserving", b.id)
	}
	if b.reservedBy != "" {
		return fmt.Errorf("%w: %q held by %q", ErrAlreadyReserved, b.id, b.reservedBy)
	}
	b.reservedBy = userID
	if b.status == StatusAvailable {
		b.status = StatusReserved
	}
	return nil
}

// CancelReservation releases the reservation slot.
func (b *Book) CancelReservation() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reservedBy == "" {
		return fmt.Errorf("%w: %q", ErrNotReserved, b.id)
	}
	b.reservedBy = ""
	if b.status == StatusReserved {
		b.status = StatusAvailable
	}
	return nil
}

// MarkLost flags the book as lost from any state, clearing active borrow
// metadata and any reservation.
func (b *Book) MarkLost() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status = StatusLost
	b.borrowedBy = ""
	b.borrowDate = time.Time{}
	b.dueDate = time.Time{}
	b.reservedBy = ""
}

// StartMaintenance pulls one physical copy out of circulation. Not valid
// while the title is borrowed.
func (b *Book) StartMaintenance() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status == StatusBorrowed {
		return fmt.Errorf("book %q is borrowed and cannot enter maintenance", b.id)
	}
	if b.availableCopies < 1 {
		return fmt.Errorf("%w: %q has no copy to pull for maintenance", ErrCopiesExhausted, b.id)
	}
	b.availableCopies--
	b.status = StatusMaintenance
	return nil
}

// FinishMaintenance returns the pulled copy to circulation.
func (b *Book) FinishMaintenance() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusMaintenance {
		return fmt.Errorf("%w: %q (status %s)", ErrInMaintenance, b.id, b.status)
	}
	if b.availableCopies >= b.totalCopies {
		return fmt.Errorf("book %q already has all copies in circulation", b.id)
	}
	b.availableCopies++
	if b.reservedBy != "" {
		b.status = StatusReserved
	} else {
		b.status = StatusAvailable
	}
	return nil
}

// AddCopies grows the inventory by n.
func (b *Book) AddCopies(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: copies to add must be positive", ErrInvalidBook)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCopies += n
	b.availableCopies += n
	return nil
}

// RemoveCopies shrinks the inventory by n. Only copies currently available
// can be removed, and at least one copy always remains on the record.
func (b *Book) RemoveCopies(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: copies to remove must be positive", ErrInvalidBook)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.availableCopies {
		return fmt.Errorf("%w: %q has %d available, cannot remove %d", ErrCopiesExhausted, b.id, b.availableCopies, n)
	}
	if b.totalCopies-n < 1 {
		return fmt.Errorf("%w: %q must keep at least one copy", ErrCopiesExhausted, b.id)
	}
	b.totalCopies -= n
	b.availableCopies -= n
	return nil
}

// IsAvailable reports whether the book can be borrowed right now.
func (b *Book) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusAvailable && b.availableCopies > 0
}

// IsOverdue reports whether the active borrow is past its due date.
func (b *Book) IsOverdue(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusBorrowed && now.After(b.dueDate)
}

// DaysUntilDue returns the whole days until the active borrow is due,
// negative when overdue. The second result is false when nothing is
// borrowed.
func (b *Book) DaysUntilDue(now time.Time) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusBorrowed {
		return 0, false
	}
	return int(math.Ceil(b.dueDate.Sub(now).Hours() / 24)), true
}

// Matches reports whether term appears, case-insensitively, in the title,
// author, ISBN, category, or publisher.
func (b *Book) Matches(term string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return false
	}
	for _, haystack := range []string{b.title, b.author, b.isbn, string(b.category), b.publisher} {
		if strings.Contains(strings.ToLower(haystack), needle) {
			return true
		}
	}
	return false
}

// Accessors. The identity fields are immutable after construction;
// description and location are the only directly settable attributes.

func (b *Book) ID() string         { return b.id }
func (b *Book) ISBN() string       { return b.isbn }
func (b *Book) Title() string      { return b.title }
func (b *Book) Author() string     { return b.author }
func (b *Book) Category() Category { return b.category }
func (b *Book) PublishedYear() int { return b.publishedYear }
func (b *Book) Publisher() string  { return b.publisher }

func (b *Book) Location() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.location
}

func (b *Book) Description() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.description
}

func (b *Book) SetLocation(location string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.location = location
}

func (b *Book) SetDescription(description string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.description = description
}

func (b *Book) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Book) TotalCopies() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCopies
}

func (b *Book) AvailableCopies() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableCopies
}

func (b *Book) BorrowedBy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.borrowedBy
}

func (b *Book) DueDate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dueDate
}

func (b *Book) ReservedBy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reservedBy
}

// Snapshot renders the book as its persisted record shape.
func (b *Book) Snapshot() storage.BookRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := storage.BookRecord{
		ID:              b.id,
		ISBN:            b.isbn,
		Title:           b.title,
		Author:          b.author,
		Category:        string(b.category),
		PublishedYear:   b.publishedYear,
		Publisher:       b.publisher,
		Location:        b.location,
		Description:     b.description,
		TotalCopies:     b.totalCopies,
		AvailableCopies: b.availableCopies,
		Status:          string(b.status),
		BorrowedBy:      b.borrowedBy,
		ReservedBy:      b.reservedBy,
	}
	if !b.borrowDate.IsZero() {
		d := b.borrowDate
		rec.BorrowDate = &d
	}
	if !b.dueDate.IsZero() {
		d := b.dueDate
		rec.DueDate = &d
	}
	return rec
}

// RestoreBook rebuilds a Book from its persisted record, revalidating the
// constructor inputs and checking the stored state for consistency.
func RestoreBook(rec storage.BookRecord) (*Book, error) {
	b, err := NewBook(BookParams{
		ID:            rec.ID,
		ISBN:          rec.ISBN,
		Title:         rec.Title,
		Author:        rec.Author,
		Category:      Category(rec.Category),
		PublishedYear: rec.PublishedYear,
		Publisher:     rec.Publisher,
		Location:      rec.Location,
		Description:   rec.Description,
		TotalCopies:   rec.TotalCopies,
	})
	if err != nil {
		return nil, err
	}

	if rec.AvailableCopies < 0 || rec.AvailableCopies > rec.TotalCopies {
		return nil, fmt.Errorf("%w: %q available copies %d out of range", ErrInvalidBook, rec.ID, rec.AvailableCopies)
	}
	status := Status(rec.Status)
	switch status {
	case StatusAvailable, StatusBorrowed, StatusReserved, StatusMaintenance, StatusLost:
	default:
		return nil, fmt.Errorf("%w: %q unknown status %q", ErrInvalidBook, rec.ID, rec.Status)
	}
	borrowed := status == StatusBorrowed
	if borrowed != (rec.BorrowedBy != "" && rec.BorrowDate != nil && rec.DueDate != nil) {
		return nil, fmt.Errorf("%w: %q borrow metadata inconsistent with status %q", ErrInvalidBook, rec.ID, rec.Status)
	}

	b.availableCopies = rec.AvailableCopies
	b.status = status
	b.reservedBy = rec.ReservedBy
	if borrowed {
		b.borrowedBy = rec.BorrowedBy
		b.borrowDate = *rec.BorrowDate
		b.dueDate = *rec.DueDate
	}
	return b, nil
}
