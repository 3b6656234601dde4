// internal/storage/records.go
package storage

import "time"

// Record shapes persisted by the Database. The entity packages produce and
// consume these; the Database itself validates them against the declared
// schemas without knowing anything about the entity types.

// UserRecord is the persisted shape of a library user.
type UserRecord struct {
	ID             string       `json:"id"`
	Email          string       `json:"email"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	IsActive       bool         `json:"is_active"`
	MembershipDate time.Time    `json:"membership_date"`
	BorrowedBooks  []LoanRecord `json:"borrowed_books"`
	PasswordHash   string       `json:"password_hash,omitempty"`
	PasswordSalt   string       `json:"password_salt,omitempty"`
}

// LoanRecord is one outstanding loan inside a UserRecord.
type LoanRecord struct {
	BookID     string    `json:"book_id"`
	BorrowDate time.Time `json:"borrow_date"`
	DueDate    time.Time `json:"due_date"`
}

// BookRecord is the persisted shape of a catalog book.
type BookRecord struct {
	ID              string     `json:"id"`
	ISBN            string     `json:"isbn"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Category        string     `json:"category"`
	PublishedYear   int        `json:"published_year,omitempty"`
	Publisher       string     `json:"publisher,omitempty"`
	Location        string     `json:"location,omitempty"`
	Description     string     `json:"description,omitempty"`
	TotalCopies     int        `json:"total_copies"`
	AvailableCopies int        `json:"available_copies"`
	Status          string     `json:"status"`
	BorrowedBy      string     `json:"borrowed_by,omitempty"`
	BorrowDate      *time.Time `json:"borrow_date,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ReservedBy      string     `json:"reserved_by,omitempty"`
}

// TransactionRecord is a borrow or return transaction. Return transactions
// reference the same (user, book) pair as the borrow they complete and carry
// the computed late fee.
type TransactionRecord struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	UserID     string     `json:"user_id"`
	BookID     string     `json:"book_id"`
	BorrowDate *time.Time `json:"borrow_date,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	LateFee    float64    `json:"late_fee,omitempty"`
	Status     string     `json:"status"`
}

// Transaction types and statuses.
const (
	TransactionBorrow = "borrow"
	TransactionReturn = "return"

	TransactionActive    = "active"
	TransactionCompleted = "completed"
)

// Snapshot is the full persisted state: three collections keyed by the
// connection-string identifier in the backing store.
type Snapshot struct {
	Users        []UserRecord        `json:"users"`
	Books        []BookRecord        `json:"books"`
	Transactions []TransactionRecord `json:"transactions"`
}
