// Package money provides the micro-unit monetary value type used across the
// ledger. All amounts are arbitrary-precision integers of micro-units
// (1 unit = 1,000,000 micro) and cross every boundary as canonical base-10
// strings, never as floats and never as fixed-width integers.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// MicroPerUnit is the number of micro-units in one reference-currency unit.
const MicroPerUnit = 1_000_000

// ErrInvalidAmount is returned when a string cannot be parsed as a canonical
// integer micro-unit amount.
var ErrInvalidAmount = errors.New("money: invalid micro amount")

// Micro is an arbitrary-precision micro-unit amount.
//
// The zero value is usable and equal to Zero(). Micro has value semantics:
// arithmetic methods return new values and never mutate their receiver, so a
// Micro may be copied and shared freely.
type Micro struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() Micro { return Micro{} }

// FromInt64 returns the amount n as a Micro.
func FromInt64(n int64) Micro {
	return Micro{v: big.NewInt(n)}
}

// FromBigInt copies n into a Micro. n is not retained.
func FromBigInt(n *big.Int) Micro {
	if n == nil {
		return Micro{}
	}
	return Micro{v: new(big.Int).Set(n)}
}

// Parse converts a canonical base-10 integer string into a Micro.
//
// Accepted forms are "0", or an optional leading '-' followed by a nonzero
// digit and more digits. Anything else (empty strings, "+5", "007", "-0",
// "1.5", "1e6", whitespace) fails with ErrInvalidAmount. Values beyond the
// native 64-bit range parse exactly.
func Parse(s string) (Micro, error) {
	if !canonical(s) {
		return Micro{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Micro{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Micro{v: v}, nil
}

// MustParse is Parse that panics on malformed input. For use with literals.
func MustParse(s string) Micro {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// canonical reports whether s is the canonical decimal encoding of an
// integer: no sign but '-', no leading zeros, no other characters.
func canonical(s string) bool {
	if s == "" {
		return false
	}
	if s == "0" {
		return true
	}
	i := 0
	if s[0] == '-' {
		i = 1
		if len(s) == 1 {
			return false
		}
	}
	if s[i] == '0' {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (m Micro) big() *big.Int {
	if m.v == nil {
		return new(big.Int)
	}
	return m.v
}

// String returns the canonical base-10 encoding.
func (m Micro) String() string { return m.big().String() }

// Add returns m + other.
func (m Micro) Add(other Micro) Micro {
	return Micro{v: new(big.Int).Add(m.big(), other.big())}
}

// Sub returns m - other.
func (m Micro) Sub(other Micro) Micro {
	return Micro{v: new(big.Int).Sub(m.big(), other.big())}
}

// Neg returns -m.
func (m Micro) Neg() Micro {
	return Micro{v: new(big.Int).Neg(m.big())}
}

// Cmp compares m and other: -1 if m < other, 0 if equal, +1 if m > other.
func (m Micro) Cmp(other Micro) int { return m.big().Cmp(other.big()) }

// Sign returns -1, 0 or +1 depending on the sign of m.
func (m Micro) Sign() int { return m.big().Sign() }

// IsZero reports whether m == 0.
func (m Micro) IsZero() bool { return m.Sign() == 0 }

// IsNegative reports whether m < 0.
func (m Micro) IsNegative() bool { return m.Sign() < 0 }

// IsPositive reports whether m > 0.
func (m Micro) IsPositive() bool { return m.Sign() > 0 }

// Equal reports whether m == other.
func (m Micro) Equal(other Micro) bool { return m.Cmp(other) == 0 }

// Min returns the smaller of m and other.
func (m Micro) Min(other Micro) Micro {
	if m.Cmp(other) <= 0 {
		return m
	}
	return other
}

// MarshalJSON encodes the amount as a JSON string.
func (m Micro) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a JSON string into the amount. Numeric JSON values
// are rejected: amounts must travel as strings to survive JSON parsers that
// coerce numbers to floats.
func (m *Micro) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer. Amounts are stored as NUMERIC via their
// text encoding.
func (m Micro) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner for text and byte NUMERIC representations.
func (m *Micro) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Micro{}
		return nil
	case string:
		return m.scanText(v)
	case []byte:
		return m.scanText(string(v))
	case int64:
		*m = FromInt64(v)
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidAmount, src)
	}
}

func (m *Micro) scanText(s string) error {
	// NUMERIC scans are trusted storage output but still go through the
	// strict parser: a non-canonical value here is data corruption and must
	// surface, not round-trip.
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
