package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/l2broker/internal/errs"
)

func TestParseUnsignedScaled_WholeNumber(t *testing.T) {
	v, exp, err := ParseUnsignedScaled([]byte("100"))
	require.NoError(t, err)
	assert.Equal(t, Qty(100), v)
	assert.Equal(t, int8(0), exp)
}

func TestParseUnsignedScaled_Fractional(t *testing.T) {
	v, exp, err := ParseUnsignedScaled([]byte("100.50"))
	require.NoError(t, err)
	assert.Equal(t, Qty(10050), v)
	assert.Equal(t, int8(-2), exp)
}

func TestParseUnsignedScaled_TrailingZerosPreserved(t *testing.T) {
	// "100.5" and "100.50" carry different precision and must not collapse
	// to the same exp; only the scaled value changes with Rescale.
	v1, exp1, err := ParseUnsignedScaled([]byte("100.5"))
	require.NoError(t, err)
	v2, exp2, err := ParseUnsignedScaled([]byte("100.50"))
	require.NoError(t, err)

	assert.Equal(t, int8(-1), exp1)
	assert.Equal(t, int8(-2), exp2)
	assert.Equal(t, int64(v2), Rescale(int64(v1), exp1, exp2))
}

func TestParseUnsignedScaled_RejectsNegative(t *testing.T) {
	_, _, err := ParseUnsignedScaled([]byte("-1.5"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseRange))
}

func TestParseUnsignedScaled_RejectsEmpty(t *testing.T) {
	_, _, err := ParseUnsignedScaled(nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseEmpty))
}

func TestParseUnsignedScaled_RejectsBadDigit(t *testing.T) {
	_, _, err := ParseUnsignedScaled([]byte("12x34"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseBadDigit))
}

func TestParseSignedScaled_AcceptsSign(t *testing.T) {
	v, exp, err := ParseSignedScaled([]byte("-42.0"))
	require.NoError(t, err)
	assert.Equal(t, Tick(-420), v)
	assert.Equal(t, int8(-1), exp)
}

func TestParseSignedScaled_ExplicitExponent(t *testing.T) {
	v, exp, err := ParseSignedScaled([]byte("1.5e3"))
	require.NoError(t, err)
	assert.Equal(t, Tick(15), v)
	assert.Equal(t, int8(2), exp)
}

func TestParseSignedScaled_NegativeExplicitExponent(t *testing.T) {
	v, exp, err := ParseSignedScaled([]byte("2.5e-2"))
	require.NoError(t, err)
	assert.Equal(t, Tick(25), v)
	assert.Equal(t, int8(-3), exp)
}

func TestParseScaled_RejectsMantissaOverflow(t *testing.T) {
	_, _, err := ParseUnsignedScaled([]byte("99999999999999999999999999"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseOverflow))
}

func TestParseScaled_RejectsExponentOutOfRange(t *testing.T) {
	_, _, err := ParseSignedScaled([]byte("1e1000"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseOverflow))
}

func TestParseScaled_RejectsExponentBeforeDigit(t *testing.T) {
	_, _, err := ParseSignedScaled([]byte("e5"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseBadDigit))
}

func TestParseScaled_RejectsSignWithNoDigits(t *testing.T) {
	_, _, err := ParseSignedScaled([]byte("-"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseEmpty))
}

// round-trip exactness across the full representable i8 exponent range,
// using explicit e-notation so large exponents don't require absurdly
// long digit strings.
func TestParseUnsignedScaled_RoundTripsAcrossExponentRange(t *testing.T) {
	cases := []struct {
		in      string
		wantV   Qty
		wantExp int8
	}{
		{"1", 1, 0},
		{"0.000000000000000001", 1, -18},
		{"1e17", 1, 17},
		{"1e-18", 1, -18},
		{"1.5e18", 15, 17},
	}
	for _, tc := range cases {
		v, exp, err := ParseUnsignedScaled([]byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.wantV, v, tc.in)
		assert.Equal(t, tc.wantExp, exp, tc.in)
	}
}

func TestRescale_FinerScaleIsExact(t *testing.T) {
	assert.Equal(t, int64(200), Rescale(20, -2, -3))
	assert.Equal(t, int64(10050), Rescale(1005, -1, -2))
}

func TestRescale_SameExpIsNoop(t *testing.T) {
	assert.Equal(t, int64(12345), Rescale(12345, -2, -2))
}

func TestRescale_NarrowingDropsTrailingDigits(t *testing.T) {
	assert.Equal(t, int64(12), Rescale(1234, -2, 0))
}
