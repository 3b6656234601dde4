// internal/storage/schema.go
package storage

import (
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrValidation is wrapped by every schema violation.
	ErrValidation = errors.New("schema validation failed")

	// ErrUniqueness is wrapped when a unique field collides with another record.
	ErrUniqueness = errors.New("uniqueness constraint violated")
)

// FieldKind is the primitive kind a schema field must serialize to.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindArray   FieldKind = "array"
	KindObject  FieldKind = "object"
)

// Rule declares the constraints for one field of a table.
type Rule struct {
	Kind     FieldKind
	Required bool
	Enum     []string
	Unique   bool
}

// Schema is the declarative per-table field contract, evaluated by a single
// generic validator rather than hand-written per-field checks.
type Schema struct {
	Table  string
	Fields map[string]Rule
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// asDocument round-trips a record through JSON into the generic form the
// validator operates on. Field names in the schema therefore match the
// records' JSON tags.
func asDocument(record any) (map[string]any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// Validate checks a record against the schema. Violations name the
// offending field.
func (s Schema) Validate(record any) error {
	doc, err := asDocument(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for name, rule := range s.Fields {
		value, present := doc[name]
		if !present || value == nil {
			if rule.Required {
				return fmt.Errorf("%w: %s: missing required field %q", ErrValidation, s.Table, name)
			}
			continue
		}

		if !kindMatches(rule.Kind, value) {
			return fmt.Errorf("%w: %s: field %q must be of type %s", ErrValidation, s.Table, name, rule.Kind)
		}

		if len(rule.Enum) > 0 {
			str, _ := value.(string)
			if !contains(rule.Enum, str) {
				return fmt.Errorf("%w: %s: field %q must be one of %v, got %q", ErrValidation, s.Table, name, rule.Enum, str)
			}
		}
	}

	return nil
}

// uniqueFields returns the names of the fields declared Unique, sorted for
// deterministic scan order.
func (s Schema) uniqueFields() []string {
	var fields []string
	for name, rule := range s.Fields {
		if rule.Unique {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

func kindMatches(kind FieldKind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		_, ok := value.(float64)
		return ok
	case KindBoolean:
		_, ok := value.(bool)
		return ok
	case KindArray:
		_, ok := value.([]any)
		return ok
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// userSchema, bookSchema and transactionSchema mirror the record shapes in
// records.go. Timestamps serialize as RFC 3339 strings, so they validate as
// strings here.
var userSchema = Schema{
	Table: "users",
	Fields: map[string]Rule{
		"id":              {Kind: KindString, Required: true},
		"email":           {Kind: KindString, Required: true, Unique: true},
		"name":            {Kind: KindString, Required: true},
		"type":            {Kind: KindString, Required: true, Enum: []string{"member", "librarian", "admin"}},
		"is_active":       {Kind: KindBoolean},
		"membership_date": {Kind: KindString, Required: true},
		"borrowed_books":  {Kind: KindArray},
		"password_hash":   {Kind: KindString},
		"password_salt":   {Kind: KindString},
	},
}

var bookSchema = Schema{
	Table: "books",
	Fields: map[string]Rule{
		"id":     {Kind: KindString, Required: true},
		"isbn":   {Kind: KindString, Required: true, Unique: true},
		"title":  {Kind: KindString, Required: true},
		"author": {Kind: KindString, Required: true},
		"category": {Kind: KindString, Required: true, Enum: []string{
			"fiction", "non-fiction", "science", "technology", "history", "biography", "children", "reference",
		}},
		"published_year":   {Kind: KindNumber},
		"publisher":        {Kind: KindString},
		"location":         {Kind: KindString},
		"description":      {Kind: KindString},
		"total_copies":     {Kind: KindNumber, Required: true},
		"available_copies": {Kind: KindNumber, Required: true},
		"status": {Kind: KindString, Required: true, Enum: []string{
			"available", "borrowed", "reserved", "maintenance", "lost",
		}},
		"borrowed_by": {Kind: KindString},
		"borrow_date": {Kind: KindString},
		"due_date":    {Kind: KindString},
		"reserved_by": {Kind: KindString},
	},
}

var transactionSchema = Schema{
	Table: "transactions",
	Fields: map[string]Rule{
		"id":          {Kind: KindString, Required: true},
		"type":        {Kind: KindString, Required: true, Enum: []string{TransactionBorrow, TransactionReturn}},
		"user_id":     {Kind: KindString, Required: true},
		"book_id":     {Kind: KindString, Required: true},
		"borrow_date": {Kind: KindString},
		"due_date":    {Kind: KindString},
		"return_date": {Kind: KindString},
		"late_fee":    {Kind: KindNumber},
		"status":      {Kind: KindString, Required: true, Enum: []string{TransactionActive, TransactionCompleted}},
	},
}
