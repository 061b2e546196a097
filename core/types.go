/*
Package core provides the shared kernel for the chapter engine.

PURPOSE:
  This package contains the domain-agnostic value types used across the
  chapter, payment, pricing and earnings packages: money, typed identifiers,
  the acting identity resolved by the authorization guard, and the audit
  entry appended by administrative mutations.

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for money to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing chapter/payment IDs
  3. Opaque Actors: The core never re-derives permissions from a raw role
     string; it consumes the already-validated Actor the guard produced

SEE ALSO:
  - errors.go: Error taxonomy shared by all services
  - audit.go: Audit trail entry and append helper
*/
package core

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Amount with currency
// =============================================================================

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyUSD Currency = "USD"
)

// Money is an exact decimal amount in a currency. All arithmetic preserves
// the currency of the receiver; mixing currencies is a programming error
// caught by SameCurrency checks at the service boundary.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

func NewMoney(value float64, currency Currency) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromInt(value int, currency Currency) Money {
	return Money{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m Money) Zero() Money                 { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(b Money) Money           { return Money{Value: m.Value.Add(b.Value), Currency: m.Currency} }
func (m Money) Sub(b Money) Money           { return Money{Value: m.Value.Sub(b.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Round(places int32) Money    { return Money{Value: m.Value.Round(places), Currency: m.Currency} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool          { return m.Currency == b.Currency && m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool    { return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool       { return m.Value.LessThan(b.Value) }
func (m Money) SameCurrency(b Money) bool   { return m.Currency == b.Currency }
func (m Money) String() string              { return m.Value.String() + " " + string(m.Currency) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID    string
	ChapterID string
	BidID     string
	PaymentID string
)

// =============================================================================
// ACTOR - Identity resolved by the authorization guard
// =============================================================================

type Role string

const (
	RoleStudent Role = "student"
	RoleWriter  Role = "writer"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleWriter, RoleAdmin:
		return true
	}
	return false
}

type Permission string

const (
	PermManageChapters Permission = "chapters:manage"
	PermResolveBids    Permission = "bids:resolve"
	PermManagePayments Permission = "payments:manage"
	PermViewEarnings   Permission = "earnings:view"
)

// Actor is the already-validated acting identity. The guard resolves it once
// per request; services trust it and only check role/permission membership.
type Actor struct {
	ID          UserID
	Role        Role
	Permissions []Permission
}

func (a Actor) IsAdmin() bool   { return a.Role == RoleAdmin }
func (a Actor) IsWriter() bool  { return a.Role == RoleWriter }
func (a Actor) IsStudent() bool { return a.Role == RoleStudent }

// Can reports whether the actor carries a permission. Admins carry every
// permission implicitly; the guard may narrow non-admin actors further.
func (a Actor) Can(p Permission) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, have := range a.Permissions {
		if have == p {
			return true
		}
	}
	return false
}
