// internal/membership/user_test.go
package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUserParams() UserParams {
	return UserParams{
		ID:    "u1",
		Email: "reader@example.com",
		Name:  "Demo Reader",
		Kind:  KindMember,
	}
}

func mustUser(t *testing.T, p UserParams) *User {
	t.Helper()
	u, err := NewUser(p)
	require.NoError(t, err)
	return u
}

func TestNewUserValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*UserParams)
	}{
		{"missing id", func(p *UserParams) { p.ID = " " }},
		{"malformed email", func(p *UserParams) { p.Email = "not-an-email" }},
		{"empty email", func(p *UserParams) { p.Email = "" }},
		{"name too short", func(p *UserParams) { p.Name = " a " }},
		{"unknown kind", func(p *UserParams) { p.Kind = "guest" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validUserParams()
			tc.mutate(&p)
			_, err := NewUser(p)
			assert.ErrorIs(t, err, ErrInvalidUser)
		})
	}
}

func TestNewUserNormalizesEmailAndDefaults(t *testing.T) {
	p := validUserParams()
	p.Email = "  Reader@Example.COM "
	u := mustUser(t, p)

	assert.Equal(t, "reader@example.com", u.Email())
	assert.True(t, u.IsActive())
	assert.False(t, u.MembershipDate().IsZero())
	assert.Empty(t, u.BorrowedBooks())
}

func TestBorrowLimitsPerKind(t *testing.T) {
	tests := []struct {
		kind  Kind
		limit int
	}{
		{KindMember, 5},
		{KindLibrarian, 10},
		{KindAdmin, 20},
	}
	now := time.Now()
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			p := validUserParams()
			p.Kind = tc.kind
			u := mustUser(t, p)

			for i := 0; i < tc.limit; i++ {
				_, err := u.BorrowBook(fmt.Sprintf("b%d", i), now)
				require.NoError(t, err)
			}
			assert.False(t, u.CanBorrow())
			_, err := u.BorrowBook("one-too-many", now)
			assert.ErrorIs(t, err, ErrBorrowLimit)
			assert.Len(t, u.BorrowedBooks(), tc.limit)
		})
	}
}

func TestDueDatePolicies(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		kind Kind
		days int
	}{
		{KindMember, 14},
		{KindLibrarian, 30},
		{KindAdmin, 30},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			p := validUserParams()
			p.Kind = tc.kind
			u := mustUser(t, p)

			assert.Equal(t, now.AddDate(0, 0, tc.days), u.DueDateFrom(now))

			due, err := u.BorrowBook("b1", now)
			require.NoError(t, err)
			assert.Equal(t, now.AddDate(0, 0, tc.days), due)
		})
	}
}

func TestInactiveUserCannotBorrow(t *testing.T) {
	u := mustUser(t, validUserParams())
	require.NoError(t, u.Deactivate())

	assert.False(t, u.CanBorrow())
	_, err := u.BorrowBook("b1", time.Now())
	assert.ErrorIs(t, err, ErrInactive)

	u.Reactivate()
	assert.True(t, u.CanBorrow())
}

func TestReturnBookRemovesTheLoan(t *testing.T) {
	u := mustUser(t, validUserParams())
	now := time.Now()
	due, err := u.BorrowBook("b1", now)
	require.NoError(t, err)
	_, err = u.BorrowBook("b2", now)
	require.NoError(t, err)

	loan, err := u.ReturnBook("b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", loan.BookID)
	assert.Equal(t, due, loan.DueAt)
	assert.Len(t, u.BorrowedBooks(), 1)

	_, err = u.ReturnBook("b1")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestCalculateFines(t *testing.T) {
	u := mustUser(t, validUserParams())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := u.BorrowBook("on-time", now)
	require.NoError(t, err)
	_, err = u.BorrowBook("late", now)
	require.NoError(t, err)
	loans := u.BorrowedBooks()
	require.Len(t, loans, 2)
	due := loans[0].DueAt

	assert.Zero(t, u.CalculateFines(due), "nothing accrues before the due date passes")

	// One loan three started days late: both loans share the due date, so
	// the total is twice 3 x 0.50.
	assert.InDelta(t, 3.0, u.CalculateFines(due.Add(49*time.Hour)), 1e-9)
}

func TestFinesAreUncapped(t *testing.T) {
	u := mustUser(t, validUserParams())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := u.BorrowBook("b1", now)
	require.NoError(t, err)
	due := u.BorrowedBooks()[0].DueAt

	// 400 days late accrues 200.00 with no ceiling.
	assert.InDelta(t, 200.0, u.CalculateFines(due.Add(400*24*time.Hour)), 1e-9)
}

func TestDeactivateBlockedByOutstandingLoans(t *testing.T) {
	u := mustUser(t, validUserParams())
	_, err := u.BorrowBook("b1", time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, u.Deactivate(), ErrOutstandingLoans)

	_, err = u.ReturnBook("b1")
	require.NoError(t, err)
	assert.NoError(t, u.Deactivate())
	assert.False(t, u.IsActive())
}

func TestPasswordVerification(t *testing.T) {
	u := mustUser(t, validUserParams())

	assert.False(t, u.VerifyPassword("anything"), "no credential set yet")

	require.NoError(t, u.SetPassword("correct horse battery staple"))
	assert.True(t, u.VerifyPassword("correct horse battery staple"))
	assert.False(t, u.VerifyPassword("correct horse battery stapler"))
	assert.False(t, u.VerifyPassword(""))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	u := mustUser(t, validUserParams())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := u.BorrowBook("b1", now)
	require.NoError(t, err)
	require.NoError(t, u.SetPassword("s3cret"))

	restored, err := RestoreUser(u.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, u.Snapshot(), restored.Snapshot())
	assert.Equal(t, u.BorrowedBooks(), restored.BorrowedBooks())
	assert.True(t, restored.VerifyPassword("s3cret"), "credential survives the round trip")
}

func TestRestoreUserKeepsInactiveFlag(t *testing.T) {
	u := mustUser(t, validUserParams())
	require.NoError(t, u.Deactivate())

	restored, err := RestoreUser(u.Snapshot())
	require.NoError(t, err)
	assert.False(t, restored.IsActive())
}
