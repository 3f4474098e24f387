/*
Package benefit provides the shared vocabulary of the benefits engine.

PURPOSE:
  The wallet ledger, the program registry and the settlement service are
  independently callable services. They agree on a small set of types:
  amounts, benefit categories, principals and roles, and the error taxonomy.
  Those live here so no service has to import another service's internals.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: fixed-point quantity with 4 implied decimals (1.0000 = 10000)
  - Category: closed set of benefit types partitioning a wallet
  - PrincipalID: identity of a worker, HR user or establishment

DESIGN PRINCIPLES:
  1. Precision: amounts are integers; decimal.Decimal is only used at the edges
  2. Type Safety: distinct ID types prevent mixing workers and programs
  3. Closed sets: categories and roles are parsed, never compared as raw strings

SEE ALSO:
  - errors.go: Error taxonomy shared by all services
  - identity.go: Roles, profiles and authorization helpers
  - intent.go: Payment-intent payload
*/
package benefit

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed point with 4 implied decimals
// =============================================================================

// Scale is the number of implied decimal places in an Amount.
const Scale = 4

// Amount is a count of 1/10000 units. 25.5 is stored as 255000.
type Amount int64

var (
	scaleFactor = decimal.New(1, Scale)
	maxScaled   = decimal.NewFromInt(math.MaxInt64)
	minScaled   = decimal.NewFromInt(math.MinInt64)
)

// AmountFromDecimal converts a decimal to an Amount. Digits beyond the fourth
// decimal are truncated. Values outside the int64 range are a ValidationError.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Mul(scaleFactor).Truncate(0)
	if scaled.GreaterThan(maxScaled) || scaled.LessThan(minScaled) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s is out of range", d.String())}
	}
	return Amount(scaled.IntPart()), nil
}

// ParseAmount parses a decimal string such as "25.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return AmountFromDecimal(d)
}

// MustParseAmount parses s or panics. Use in tests and constants.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units returns a whole-unit amount (Units(5) == 5.0000).
func Units(n int64) Amount { return Amount(n * 10000) }

func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -Scale) }
func (a Amount) String() string           { return a.Decimal().StringFixed(Scale) }
func (a Amount) IsPositive() bool         { return a > 0 }
func (a Amount) IsNegative() bool         { return a < 0 }
func (a Amount) IsZero() bool             { return a == 0 }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both a JSON number and a decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return &ValidationError{Field: "amount", Reason: err.Error()}
	}
	v, err := AmountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// RequirePositive returns a ValidationError naming field when a <= 0.
func RequirePositive(field string, a Amount) error {
	if !a.IsPositive() {
		return &ValidationError{Field: field, Reason: "must be greater than zero"}
	}
	return nil
}

// =============================================================================
// CATEGORY - Benefit type partitioning a wallet
// =============================================================================

type Category string

const (
	CategoryFood      Category = "Food"
	CategoryCulture   Category = "Culture"
	CategoryHealth    Category = "Health"
	CategoryTransport Category = "Transport"
	CategoryEducation Category = "Education"
)

var categories = []Category{
	CategoryFood,
	CategoryCulture,
	CategoryHealth,
	CategoryTransport,
	CategoryEducation,
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	for _, c := range categories {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NormalizeCategories parses, validates and deduplicates a category list,
// preserving first-seen order.
func NormalizeCategories(in []Category) ([]Category, error) {
	seen := make(map[Category]bool, len(in))
	out := make([]Category, 0, len(in))
	for _, c := range in {
		parsed, err := ParseCategory(string(c))
		if err != nil {
			return nil, err
		}
		if seen[parsed] {
			continue
		}
		seen[parsed] = true
		out = append(out, parsed)
	}
	return out, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PrincipalID identifies a caller: a worker, an HR user or an establishment.
type PrincipalID string

type ProgramID string
type CompanyID string

// Validate rejects empty or blank principals.
func (p PrincipalID) Validate(field string) error {
	if strings.TrimSpace(string(p)) == "" {
		return &ValidationError{Field: field, Reason: "identity is required"}
	}
	if strings.ContainsAny(string(p), " \t\r\n") {
		return &ValidationError{Field: field, Reason: "identity must not contain whitespace"}
	}
	return nil
}

// Ptr returns a pointer to v. Handy for optional fields.
func Ptr[T any](v T) *T { return &v }
