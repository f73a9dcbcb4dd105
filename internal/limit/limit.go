// Package limit provides an optional non-negative cap.
//
// A Limit is either unlimited (the zero value) or a concrete bound n >= 0.
// Configuration accepts an integer or the word "unlimited"; a literal 0 is a
// real bound that admits nothing, never a stand-in for "no limit".
package limit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Unlimited is the textual form of an absent bound.
const Unlimited = "unlimited"

// Limit is an optional cap. The zero value is unlimited.
type Limit struct {
	n   int
	set bool
}

// Of returns a bounded Limit. Negative n is clamped to 0.
func Of(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n, set: true}
}

// None returns an unlimited Limit.
func None() Limit { return Limit{} }

// IsUnlimited reports whether no bound is set.
func (l Limit) IsUnlimited() bool { return !l.set }

// Value returns the bound and whether one is set.
func (l Limit) Value() (int, bool) { return l.n, l.set }

// Allows reports whether count is strictly below the bound, i.e. whether one
// more unit may be admitted when count are already in use.
func (l Limit) Allows(count int) bool {
	return !l.set || count < l.n
}

// Chunk returns the batch size for splitting total items under this limit.
// Unlimited, or a bound of 0, yields total (one batch).
func (l Limit) Chunk(total int) int {
	if !l.set || l.n <= 0 || l.n > total {
		return total
	}
	return l.n
}

func (l Limit) String() string {
	if !l.set {
		return Unlimited
	}
	return strconv.Itoa(l.n)
}

// Parse reads an integer or "unlimited" (case-insensitive; "", "none" and
// "-1" are accepted as unlimited too).
func Parse(s string) (Limit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", Unlimited, "none", "-1":
		return None(), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Limit{}, fmt.Errorf("limit: %q is neither an integer nor %q", s, Unlimited)
	}
	if n < 0 {
		return Limit{}, fmt.Errorf("limit: %d is negative", n)
	}
	return Of(n), nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Limit) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Limit) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalJSON renders a bound as a number and unlimited as null.
func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(l.n)), nil
}

// UnmarshalJSON accepts a number, null, or a string understood by Parse.
func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = None()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return l.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("limit: %s is not a number, string or null", b)
	}
	if n < 0 {
		*l = None()
		return nil
	}
	*l = Of(n)
	return nil
}
