package fixedpoint

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		mul  string
		div  string
	}{
		{"whole numbers", "10", "3", "30", "3.333333333333333333"},
		{"fractions", "10.1", "0.5", "5.05", "20.2"},
		{"one", "123.456", "1", "123.456", "123.456"},
		{"truncation", "1", "3", "3", "0.333333333333333333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := MustFromDecimal(tt.a)
			b := MustFromDecimal(tt.b)

			got, err := Mul(a, b)
			require.NoError(t, err)
			require.Equal(t, tt.mul, Format(got))

			got, err = Div(a, b)
			require.NoError(t, err)
			require.Equal(t, tt.div, Format(got))
		})
	}
}

func TestDivByZero(t *testing.T) {
	_, err := Div(One, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrDivisionByZero)

	_, err = MulDiv(One, One, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMulDivNoIntermediateOverflow(t *testing.T) {
	// a*b overflows 256 bits but a*b/d does not.
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	got, err := MulDiv(big, big, big)
	require.NoError(t, err)
	require.True(t, got.Eq(big))
}

func TestSubSat(t *testing.T) {
	require.True(t, SubSat(uint256.NewInt(5), uint256.NewInt(7)).IsZero())
	require.Equal(t, uint64(2), SubSat(uint256.NewInt(7), uint256.NewInt(5)).Uint64())
}

func TestYearsFromSeconds(t *testing.T) {
	require.Equal(t, "1.000000000000000000", Format(YearsFromSeconds(SecondsPerYear)))
	// 30 days on a 365-day year, floored.
	require.Equal(t, "0.082191780821917808", Format(YearsFromSeconds(30*24*60*60)))
	require.True(t, YearsFromSeconds(0).IsZero())
}

func TestFromDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"10.1", "10100000000000000000", true},
		{"0.000000000000000001", "1", true},
		{"15", "15000000000000000000", true},
		{".5", "500000000000000000", true},
		{"0.0000000000000000001", "", false}, // 19 fractional digits
		{"abc", "", false},
		{"-1", "", false},
	}
	for _, tt := range tests {
		got, err := FromDecimal(tt.in)
		if !tt.ok {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got.Dec(), tt.in)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000000000000000", "1.000000000000000000", "10.027520456942945852", "0.000000000000000001"} {
		require.Equal(t, s, Format(MustFromDecimal(s)))
	}
}
