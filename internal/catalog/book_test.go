// internal/catalog/book_test.go
package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/storage"
)

func validParams() BookParams {
	return BookParams{
		ID:            "b1",
		ISBN:          "9780134190440",
		Title:         "The Go Programming Language",
		Author:        "Alan A. A. Donovan",
		Category:      CategoryTechnology,
		PublishedYear: 2015,
		Publisher:     "Addison-Wesley",
		TotalCopies:   2,
	}
}

func mustBook(t *testing.T, p BookParams) *Book {
	t.Helper()
	b, err := NewBook(p)
	require.NoError(t, err)
	return b
}

func TestNewBookValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BookParams)
	}{
		{"missing id", func(p *BookParams) { p.ID = "  " }},
		{"isbn too short", func(p *BookParams) { p.ISBN = "12345" }},
		{"isbn with letters", func(p *BookParams) { p.ISBN = "97801341904ab" }},
		{"missing title", func(p *BookParams) { p.Title = "" }},
		{"missing author", func(p *BookParams) { p.Author = "\t" }},
		{"unknown category", func(p *BookParams) { p.Category = "cooking" }},
		{"future year", func(p *BookParams) { p.PublishedYear = time.Now().Year() + 1 }},
		{"zero copies", func(p *BookParams) { p.TotalCopies = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := NewBook(p)
			assert.ErrorIs(t, err, ErrInvalidBook)
		})
	}
}

func TestNewBookAcceptsTenDigitISBN(t *testing.T) {
	p := validParams()
	p.ISBN = "0130149882"
	b := mustBook(t, p)
	assert.Equal(t, "0130149882", b.ISBN())
}

func TestNewBookStartsAvailableWithFullInventory(t *testing.T) {
	b := mustBook(t, validParams())
	assert.Equal(t, StatusAvailable, b.Status())
	assert.Equal(t, 2, b.TotalCopies())
	assert.Equal(t, 2, b.AvailableCopies())
	assert.True(t, b.IsAvailable())
}

func TestBorrowConsumesACopy(t *testing.T) {
	b := mustBook(t, validParams())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 14)

	require.NoError(t, b.Borrow("u1", now, due))

	assert.Equal(t, StatusBorrowed, b.Status())
	assert.Equal(t, 1, b.AvailableCopies())
	assert.Equal(t, "u1", b.BorrowedBy())
	assert.Equal(t, due, b.DueDate())
}

func TestBorrowLastCopyThenBorrowAgainFails(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Now()

	require.NoError(t, b.Borrow("u1", now, now.AddDate(0, 0, 14)))
	err := b.Borrow("u2", now, now.AddDate(0, 0, 14))

	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, 0, b.AvailableCopies(), "a failed borrow must not mutate inventory")
	assert.Equal(t, "u1", b.BorrowedBy())
}

func TestReturnRestoresAvailability(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 14)
	require.NoError(t, b.Borrow("u1", now, due))

	receipt, err := b.Return(due) // exactly on time

	require.NoError(t, err)
	assert.False(t, receipt.Overdue)
	assert.Equal(t, 0, receipt.DaysOverdue)
	assert.Equal(t, "u1", receipt.UserID)
	assert.Equal(t, StatusAvailable, b.Status())
	assert.Equal(t, 1, b.AvailableCopies())
	assert.Empty(t, b.BorrowedBy())
	assert.True(t, b.DueDate().IsZero())
}

func TestReturnOverdueCountsStartedDays(t *testing.T) {
	b := mustBook(t, validParams())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	due := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Borrow("u1", now, due))

	// Two full days plus one hour late rounds up to three days.
	receipt, err := b.Return(due.Add(49 * time.Hour))

	require.NoError(t, err)
	assert.True(t, receipt.Overdue)
	assert.Equal(t, 3, receipt.DaysOverdue)
}

func TestReturnWithoutBorrowFails(t *testing.T) {
	b := mustBook(t, validParams())
	_, err := b.Return(time.Now())
	assert.ErrorIs(t, err, ErrNotBorrowed)
}

func TestReserveAvailableBookIsRejected(t *testing.T) {
	b := mustBook(t, validParams())
	assert.Error(t, b.Reserve("u1"))
}

func TestReservationLifecycle(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Now()
	require.NoError(t, b.Borrow("u1", now, now.AddDate(0, 0, 14)))

	require.NoError(t, b.Reserve("u2"))
	assert.Equal(t, "u2", b.ReservedBy())
	assert.ErrorIs(t, b.Reserve("u3"), ErrAlreadyReserved)

	// Returning a reserved book parks it for the reservation holder.
	_, err := b.Return(now.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, b.Status())
	assert.False(t, b.IsAvailable())

	// Only the holder may borrow it, which releases the slot.
	assert.ErrorIs(t, b.Borrow("u3", now, now.AddDate(0, 0, 14)), ErrNotAvailable)
	require.NoError(t, b.Borrow("u2", now, now.AddDate(0, 0, 14)))
	assert.Empty(t, b.ReservedBy())
	assert.Equal(t, StatusBorrowed, b.Status())
}

func TestCancelReservation(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Now()
	require.NoError(t, b.Borrow("u1", now, now.AddDate(0, 0, 14)))
	require.NoError(t, b.Reserve("u2"))

	require.NoError(t, b.CancelReservation())
	assert.Empty(t, b.ReservedBy())
	assert.ErrorIs(t, b.CancelReservation(), ErrNotReserved)
}

func TestMarkLostClearsBorrowState(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Now()
	require.NoError(t, b.Borrow("u1", now, now.AddDate(0, 0, 14)))
	require.NoError(t, b.Reserve("u2"))

	b.MarkLost()

	assert.Equal(t, StatusLost, b.Status())
	assert.Empty(t, b.BorrowedBy())
	assert.Empty(t, b.ReservedBy())
	assert.True(t, b.DueDate().IsZero())
}

func TestMaintenancePullsAndRestoresACopy(t *testing.T) {
	b := mustBook(t, validParams())

	require.NoError(t, b.StartMaintenance())
	assert.Equal(t, StatusMaintenance, b.Status())
	assert.Equal(t, 1, b.AvailableCopies())

	require.NoError(t, b.FinishMaintenance())
	assert.Equal(t, StatusAvailable, b.Status())
	assert.Equal(t, 2, b.AvailableCopies())
}

func TestMaintenanceRejectedWhileBorrowed(t *testing.T) {
	p := validParams()
	p.TotalCopies = 1
	b := mustBook(t, p)
	now := time.Now()
	require.NoError(t, b.Borrow("u1", now, now.AddDate(0, 0, 14)))

	assert.Error(t, b.StartMaintenance())
	assert.ErrorIs(t, b.FinishMaintenance(), ErrInMaintenance)
}

func TestCopyInventoryManagement(t *testing.T) {
	b := mustBook(t, validParams())

	require.NoError(t, b.AddCopies(3))
	assert.Equal(t, 5, b.TotalCopies())
	assert.Equal(t, 5, b.AvailableCopies())

	require.NoError(t, b.RemoveCopies(4))
	assert.Equal(t, 1, b.TotalCopies())

	assert.ErrorIs(t, b.RemoveCopies(2), ErrCopiesExhausted)
	assert.ErrorIs(t, b.AddCopies(0), ErrInvalidBook)
	assert.ErrorIs(t, b.RemoveCopies(-1), ErrInvalidBook)
}

func TestOverdueQueries(t *testing.T) {
	b := mustBook(t, validParams())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	due := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	_, held := b.DaysUntilDue(now)
	assert.False(t, held)

	require.NoError(t, b.Borrow("u1", now, due))

	assert.False(t, b.IsOverdue(due))
	assert.True(t, b.IsOverdue(due.Add(time.Minute)))

	days, held := b.DaysUntilDue(now)
	assert.True(t, held)
	assert.Equal(t, 14, days)

	days, _ = b.DaysUntilDue(due.Add(48 * time.Hour))
	assert.Equal(t, -2, days)
}

func TestMatches(t *testing.T) {
	b := mustBook(t, validParams())

	assert.True(t, b.Matches("go programming"))
	assert.True(t, b.Matches("DONOVAN"))
	assert.True(t, b.Matches("9780134190440"))
	assert.True(t, b.Matches("technology"))
	assert.True(t, b.Matches("addison"))
	assert.False(t, b.Matches("rust"))
	assert.False(t, b.Matches("   "))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := mustBook(t, validParams())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 14)
	require.NoError(t, b.Borrow("u1", now, due))
	b.SetLocation("shelf A3")

	restored, err := RestoreBook(b.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, b.Snapshot(), restored.Snapshot())
	assert.Equal(t, StatusBorrowed, restored.Status())
	assert.Equal(t, "u1", restored.BorrowedBy())
	assert.Equal(t, due, restored.DueDate())
	assert.Equal(t, "shelf A3", restored.Location())
}

func TestRestoreBookRejectsInconsistentRecords(t *testing.T) {
	base := mustBook(t, validParams()).Snapshot()

	t.Run("available copies out of range", func(t *testing.T) {
		rec := base
		rec.AvailableCopies = rec.TotalCopies + 1
		_, err := RestoreBook(rec)
		assert.ErrorIs(t, err, ErrInvalidBook)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := base
		rec.Status = "teleported"
		_, err := RestoreBook(rec)
		assert.ErrorIs(t, err, ErrInvalidBook)
	})

	t.Run("borrowed without metadata", func(t *testing.T) {
		rec := base
		rec.Status = string(StatusBorrowed)
		_, err := RestoreBook(rec)
		assert.ErrorIs(t, err, ErrInvalidBook)
	})

	t.Run("metadata without borrowed status", func(t *testing.T) {
		rec := base
		d := time.Now()
		rec.BorrowedBy = "u1"
		rec.BorrowDate = &d
		rec.DueDate = &d
		_, err := RestoreBook(rec)
		assert.ErrorIs(t, err, ErrInvalidBook)
	})
}

func TestSnapshotShape(t *testing.T) {
	b := mustBook(t, validParams())
	rec := b.Snapshot()

	assert.Equal(t, storage.BookRecord{
		ID:              "b1",
		ISBN:            "9780134190440",
		Title:           "The Go Programming Language",
		Author:          "Alan A. A. Donovan",
		Category:        "technology",
		PublishedYear:   2015,
		Publisher:       "Addison-Wesley",
		TotalCopies:     2,
		AvailableCopies: 2,
		Status:          "available",
	}, rec)
}
