// Package fixedpoint converts ASCII decimal substrings from the ingress
// buffer into signed, scaled int64 values without touching the FPU. It is
// the hot-path numeric layer the book and drivers build on (spec.md §4.1):
// deterministic across machines, branch-light, and allocation-free.
package fixedpoint

import "github.com/abdoElHodaky/l2broker/internal/errs"

// Tick is a signed fixed-point price: the real price is Tick * 10^exp.
// Signed to permit synthetic/spread instruments.
type Tick int64

// Qty is a signed fixed-point quantity: the real size is Qty * 10^exp.
// qty >= 0 for active levels; -1 is the reserved tombstone sentinel.
type Qty int64

const maxI64 = int64(1<<63 - 1)

// ParseSignedScaled reads an optional leading sign, integer digits, an
// optional '.' and fractional digits, and an optional e/E exponent from
// b. It returns the integer v and exp such that the represented real
// number equals v * 10^exp, choosing exp to preserve every digit present.
func ParseSignedScaled(b []byte) (value Tick, exp int8, err error) {
	v, e, parseErr := parseScaled(b, true)
	return Tick(v), e, parseErr
}

// ParseUnsignedScaled is ParseSignedScaled restricted to non-negative
// results; a negative value is rejected (spec.md §4.1: ParseKind::Range).
func ParseUnsignedScaled(b []byte) (value Qty, exp int8, err error) {
	v, e, parseErr := parseScaled(b, true)
	if parseErr != nil {
		return 0, 0, parseErr
	}
	if v < 0 {
		return 0, 0, errs.New(errs.ParseRange, "negative quantity")
	}
	return Qty(v), e, nil
}

// parseScaled is the shared digit-scanning core. allowSign controls
// whether a leading '+'/'-' is accepted.
func parseScaled(b []byte, allowSign bool) (value int64, exp int8, err error) {
	if len(b) == 0 {
		return 0, 0, errs.New(errs.ParseEmpty, "empty input")
	}

	i := 0
	neg := false
	if allowSign && (b[i] == '+' || b[i] == '-') {
		neg = b[i] == '-'
		i++
		if i == len(b) {
			return 0, 0, errs.New(errs.ParseEmpty, "sign with no digits")
		}
	}

	var acc int64
	sawDigit := false
	fracDigits := 0
	sawDot := false

	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c >= '0' && c <= '9':
			d := int64(c - '0')
			if acc > (maxI64-d)/10 {
				return 0, 0, errs.New(errs.ParseOverflow, "mantissa overflow")
			}
			acc = acc*10 + d
			sawDigit = true
			if sawDot {
				fracDigits++
			}
		case c == '.' && !sawDot:
			sawDot = true
		case c == 'e' || c == 'E':
			if !sawDigit {
				return 0, 0, errs.New(errs.ParseBadDigit, "exponent marker before any digit")
			}
			explicitExp, eerr := parseExponent(b[i+1:])
			if eerr != nil {
				return 0, 0, eerr
			}
			totalExp := int64(-fracDigits) + int64(explicitExp)
			if totalExp > 127 || totalExp < -128 {
				return 0, 0, errs.New(errs.ParseOverflow, "exponent out of i8 range")
			}
			v := acc
			if neg {
				if uint64(v) > uint64(maxI64)+1 {
					return 0, 0, errs.New(errs.ParseOverflow, "magnitude overflow")
				}
				v = -v
			}
			return v, int8(totalExp), nil
		default:
			return 0, 0, errs.Newf(errs.ParseBadDigit, "unexpected byte %q", string(c))
		}
	}

	if !sawDigit {
		return 0, 0, errs.New(errs.ParseEmpty, "no digits present")
	}

	totalExp := int64(-fracDigits)
	if totalExp > 127 || totalExp < -128 {
		return 0, 0, errs.New(errs.ParseOverflow, "exponent out of i8 range")
	}

	v := acc
	if neg {
		if uint64(v) > uint64(maxI64)+1 {
			return 0, 0, errs.New(errs.ParseOverflow, "magnitude overflow")
		}
		v = -v
	}
	return v, int8(totalExp), nil
}

// parseExponent parses a signed decimal integer exponent (no further
// fraction, no further exponent marker allowed).
func parseExponent(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errs.New(errs.ParseBadDigit, "empty exponent")
	}
	i := 0
	neg := false
	if b[i] == '+' || b[i] == '-' {
		neg = b[i] == '-'
		i++
	}
	if i == len(b) {
		return 0, errs.New(errs.ParseBadDigit, "sign with no exponent digits")
	}
	var v int64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, errs.Newf(errs.ParseBadDigit, "bad exponent digit %q", string(c))
		}
		v = v*10 + int64(c-'0')
		if v > 1000 {
			return 0, errs.New(errs.ParseOverflow, "exponent magnitude too large")
		}
	}
	if neg {
		v = -v
	}
	return v, nil
}

// Rescale returns v rescaled from 10^fromExp to 10^toExp, truncating any
// precision that would be lost widening toExp. Used to align a driver's
// native scale with a subscription's fixed (price_exp, qty_exp).
func Rescale(v int64, fromExp, toExp int8) int64 {
	diff := int(fromExp) - int(toExp)
	if diff == 0 {
		return v
	}
	if diff > 0 {
		for i := 0; i < diff; i++ {
			v *= 10
		}
		return v
	}
	for i := 0; i < -diff; i++ {
		v /= 10
	}
	return v
}
