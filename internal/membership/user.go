// internal/membership/user.go
package membership

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strings"
	"sync"
	"time"

	"librarium/internal/storage"
)

var (
	// ErrInvalidUser wraps every constructor validation failure.
	ErrInvalidUser = errors.New("invalid user")

	// ErrInactive is returned when an inactive user attempts to borrow.
	ErrInactive = errors.New("user is not active")

	// ErrBorrowLimit is returned when a borrow would exceed the user's
	// type-specific loan limit.
	ErrBorrowLimit = errors.New("borrow limit reached")

	// ErrLoanNotFound is returned by ReturnBook for a book the user does
	// not hold.
	ErrLoanNotFound = errors.New("no matching loan")

	// ErrOutstandingLoans blocks deactivation while books are still out.
	ErrOutstandingLoans = errors.New("user still has borrowed books")
)

// FinePerDay is the fee accrued for each day a loan is overdue. There is no
// ceiling on the accrued total.
const FinePerDay = 0.50

// Kind is the user type, each with its own borrow-limit and loan-duration
// policy.
type Kind string

const (
	KindMember    Kind = "member"
	KindLibrarian Kind = "librarian"
	KindAdmin     Kind = "admin"
)

// policy holds the per-kind borrowing rules.
type policy struct {
	borrowLimit  int
	loanDuration time.Duration
}

var policies = map[Kind]policy{
	KindMember:    {borrowLimit: 5, loanDuration: 14 * 24 * time.Hour},
	KindLibrarian: {borrowLimit: 10, loanDuration: 30 * 24 * time.Hour},
	KindAdmin:     {borrowLimit: 20, loanDuration: 30 * 24 * time.Hour},
}

// Loan is one outstanding borrow held by a user.
type Loan struct {
	BookID     string
	BorrowedAt time.Time
	DueAt      time.Time
}

// UserParams carries the constructor inputs for a User.
type UserParams struct {
	ID             string
	Email          string
	Name           string
	Kind           Kind
	MembershipDate time.Time
}

// User is a library account with a borrow-limit policy and fine ledger.
// State changes only through methods; the internal mutex keeps concurrent
// borrow bookkeeping consistent.
type User struct {
	mu sync.Mutex

	id             string
	email          string
	name           string
	kind           Kind
	active         bool
	membershipDate time.Time
	loans          []Loan

	passwordHash string
	passwordSalt string
}

// NewUser validates params and creates an active user with no loans.
// Email is case-normalized; the membership date defaults to now.
func NewUser(p UserParams) (*User, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidUser)
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q is malformed", ErrInvalidUser, p.Email)
	}
	name := strings.TrimSpace(p.Name)
	if len(name) < 2 {
		return nil, fmt.Errorf("%w: name must be at least 2 characters", ErrInvalidUser)
	}
	if _, ok := policies[p.Kind]; !ok {
		return nil, fmt.Errorf("%w: unknown user type %q", ErrInvalidUser, p.Kind)
	}
	membershipDate := p.MembershipDate
	if membershipDate.IsZero() {
		membershipDate = time.Now()
	}

	return &User{
		id:             p.ID,
		email:          email,
		name:           name,
		kind:           p.Kind,
		active:         true,
		membershipDate: membershipDate,
	}, nil
}

// CanBorrow reports whether the user is active and under the loan limit.
func (u *User) CanBorrow() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active && len(u.loans) < policies[u.kind].borrowLimit
}

// DueDateFrom computes the due date the user's policy grants for a loan
// starting at now.
func (u *User) DueDateFrom(now time.Time) time.Time {
	return now.Add(policies[u.kind].loanDuration)
}

// BorrowBook records a loan for bookID starting at now and returns the
// computed due date.
func (u *User) BorrowBook(bookID string, now time.Time) (time.Time, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.active {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInactive, u.id)
	}
	rules := policies[u.kind]
	if len(u.loans) >= rules.borrowLimit {
		return time.Time{}, fmt.Errorf("%w: %q holds %d of %d", ErrBorrowLimit, u.id, len(u.loans), rules.borrowLimit)
	}

	due := now.Add(rules.loanDuration)
	u.loans = append(u.loans, Loan{BookID: bookID, BorrowedAt: now, DueAt: due})
	return due, nil
}

// ReturnBook removes the loan for bookID and returns it.
func (u *User) ReturnBook(bookID string) (Loan, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, loan := range u.loans {
		if loan.BookID == bookID {
			u.loans = append(u.loans[:i], u.loans[i+1:]...)
			return loan, nil
		}
	}
	return Loan{}, fmt.Errorf("%w: user %q does not hold book %q", ErrLoanNotFound, u.id, bookID)
}

// CalculateFines sums the accrued fees across all currently overdue loans
// at FinePerDay per started day.
func (u *User) CalculateFines(now time.Time) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	total := 0.0
	for _, loan := range u.loans {
		if now.After(loan.DueAt) {
			days := math.Ceil(now.Sub(loan.DueAt).Hours() / 24)
			total += days * FinePerDay
		}
	}
	return total
}

// Deactivate disables the account. Rejected while any book is still out.
func (u *User) Deactivate() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.loans) > 0 {
		return fmt.Errorf("%w: %q holds %d", ErrOutstandingLoans, u.id, len(u.loans))
	}
	u.active = false
	return nil
}

// Reactivate re-enables a deactivated account.
func (u *User) Reactivate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = true
}

// SetPassword stores a salted Argon2id hash of password on the account.
func (u *User) SetPassword(password string) error {
	hash, salt, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.passwordHash = hash
	u.passwordSalt = salt
	return nil
}

// VerifyPassword checks password against the stored credential. A user
// without a credential verifies nothing.
func (u *User) VerifyPassword(password string) bool {
	u.mu.Lock()
	hash, salt := u.passwordHash, u.passwordSalt
	u.mu.Unlock()

	if hash == "" {
		return false
	}
	ok, err := verifyPassword(password, salt, hash)
	return err == nil && ok
}

// Accessors.

func (u *User) ID() string                { return u.id }
func (u *User) Email() string             { return u.email }
func (u *User) Name() string              { return u.name }
func (u *User) Type() Kind                { return u.kind }
func (u *User) MembershipDate() time.Time { return u.membershipDate }

func (u *User) IsActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// BorrowedBooks returns a copy of the outstanding loans in borrow order.
func (u *User) BorrowedBooks() []Loan {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Loan(nil), u.loans...)
}

// Snapshot renders the user as its persisted record shape.
func (u *User) Snapshot() storage.UserRecord {
	u.mu.Lock()
	defer u.mu.Unlock()

	loans := make([]storage.LoanRecord, 0, len(u.loans))
	for _, loan := range u.loans {
		loans = append(loans, storage.LoanRecord{
			BookID:     loan.BookID,
			BorrowDate: loan.BorrowedAt,
			DueDate:    loan.DueAt,
		})
	}
	return storage.UserRecord{
		ID:             u.id,
		Email:          u.email,
		Name:           u.name,
		Type:           string(u.kind),
		IsActive:       u.active,
		MembershipDate: u.membershipDate,
		BorrowedBooks:  loans,
		PasswordHash:   u.passwordHash,
		PasswordSalt:   u.passwordSalt,
	}
}

// RestoreUser rebuilds a User from its persisted record.
func RestoreUser(rec storage.UserRecord) (*User, error) {
	u, err := NewUser(UserParams{
		ID:             rec.ID,
		Email:          rec.Email,
		Name:           rec.Name,
		Kind:           Kind(rec.Type),
		MembershipDate: rec.MembershipDate,
	})
	if err != nil {
		return nil, err
	}

	u.active = rec.IsActive
	u.passwordHash = rec.PasswordHash
	u.passwordSalt = rec.PasswordSalt
	for _, loan := range rec.BorrowedBooks {
		u.loans = append(u.loans, Loan{
			BookID:     loan.BookID,
			BorrowedAt: loan.BorrowDate,
			DueAt:      loan.DueDate,
		})
	}
	return u, nil
}
