package fixed

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	cloneerr "cloneprotocol/core/errors"
)

func TestRescaleDropsTowardZero(t *testing.T) {
	cases := []struct {
		in    string
		scale uint32
		want  string
	}{
		{"1.999", 2, "1.99"},
		{"-1.999", 2, "-1.99"},
		{"0.005", 2, "0.00"},
		{"-0.005", 2, "0.00"},
		{"12.5", 0, "12"},
		{"-12.5", 0, "-12"},
		{"3.1", 4, "3.1000"},
	}
	for _, tc := range cases {
		got := MustFromString(tc.in).Rescale(tc.scale)
		require.Equal(t, tc.want, got.String(), "rescale %s to %d", tc.in, tc.scale)
		require.Equal(t, tc.scale, got.Scale())
	}
}

func TestArithmeticKeepsScale(t *testing.T) {
	a := New(150, 2)
	b := New(25, 1)
	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "4.00", sum.String())

	prod, err := a.Mul(b)
	require.NoError(t, err)
	require.Equal(t, uint32(3), prod.Scale())
	require.Equal(t, "3.750", prod.String())

	diff, err := a.Sub(New(2, 0))
	require.NoError(t, err)
	require.Equal(t, "-0.50", diff.String())
}

func TestDivTruncatesAtMaxPrecision(t *testing.T) {
	q, err := New(1, 0).Div(New(3, 0))
	require.NoError(t, err)
	require.Equal(t, uint32(MaxScale), q.Scale())
	require.Equal(t, "0.3333333333333333333333333333", q.String())

	neg, err := New(-2, 0).Div(New(3, 0))
	require.NoError(t, err)
	require.Equal(t, "-0.6666666666666666666666666666", neg.String())
}

func TestDivReducesScaleToFitMantissa(t *testing.T) {
	k := New(10_000_000_000, 0)
	q, err := k.Div(New(1_010_000, 0))
	require.NoError(t, err)
	require.Less(t, q.Mantissa().BitLen(), MantissaBits+1)
	require.Equal(t, "9900.99009900", q.Rescale(8).String())
}

func TestDivByZero(t *testing.T) {
	_, err := New(1, 0).Div(Zero(4))
	require.True(t, errors.Is(err, cloneerr.ErrCheckedMath))
}

func TestOverflowIsChecked(t *testing.T) {
	big := MustFromString("79228162514264337593543950335")
	_, err := big.Add(New(1, 0))
	require.ErrorIs(t, err, cloneerr.ErrCheckedMath)

	_, err = big.Mul(New(2, 0))
	require.ErrorIs(t, err, cloneerr.ErrCheckedMath)

	// Fractional digits are shed before overflowing.
	prod, err := MustFromString("7922816251426433759354395033.5").Mul(New(1, 0))
	require.NoError(t, err)
	require.Equal(t, "7922816251426433759354395033.5", prod.String())
}

func TestPowAndSqrt(t *testing.T) {
	p, err := New(15, 1).Pow(3)
	require.NoError(t, err)
	require.Equal(t, "3.375", p.String())

	one, err := New(7, 0).Pow(0)
	require.NoError(t, err)
	require.Equal(t, "1", one.String())

	r, err := New(200000000, 8).Sqrt()
	require.NoError(t, err)
	require.Equal(t, "1.41421356", r.String())

	_, err = New(-1, 0).Sqrt()
	require.ErrorIs(t, err, cloneerr.ErrCheckedMath)
}

func TestBinaryLayout(t *testing.T) {
	d := New(-123456789, 8)
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, EncodedLen)
	require.Equal(t, []byte{0x00, 0x00, 0x08, 0x80}, raw[0:4])
	require.Equal(t, []byte{0x15, 0xcd, 0x5b, 0x07}, raw[4:8])

	var decoded Decimal
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.True(t, decoded.Identical(d))
}

func TestBinaryRejectsBadInput(t *testing.T) {
	var d Decimal
	require.Error(t, d.UnmarshalBinary(make([]byte, 15)))
	bad := make([]byte, EncodedLen)
	bad[2] = 29
	require.Error(t, d.UnmarshalBinary(bad))
	bad[2] = 0
	bad[0] = 1
	require.Error(t, d.UnmarshalBinary(bad))
}

func TestUint256Conversion(t *testing.T) {
	amount, err := MustFromString("12.345678919").ToUint256(8)
	require.NoError(t, err)
	require.Equal(t, uint64(1234567891), amount.Uint64())

	back, err := FromUint256(uint256.NewInt(1234567891), 8)
	require.NoError(t, err)
	require.Equal(t, "12.34567891", back.String())

	_, err = New(-1, 0).ToUint256(6)
	require.ErrorIs(t, err, cloneerr.ErrIntTypeConversion)
}

func TestTextRoundTrip(t *testing.T) {
	var d Decimal
	require.NoError(t, d.UnmarshalText([]byte("0.0030")))
	require.Equal(t, uint32(4), d.Scale())
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0.0030", string(text))
}
