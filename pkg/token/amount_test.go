package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

func TestFromTons(t *testing.T) {
	a, err := FromTons(40.5)
	require.NoError(t, err)
	assert.Equal(t, Amount(40_500_000), a)
	assert.Equal(t, "40.500000", a.String())
	assert.InDelta(t, 40.5, a.Tons(), 1e-12)

	a, err = FromTons(0.0000005)
	require.NoError(t, err)
	assert.Equal(t, Amount(1), a)

	_, err = FromTons(1e300)
	require.ErrorIs(t, err, contracts.ErrInvalidAmount)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]Amount{
		"40.5":      40_500_000,
		"1":         1_000_000,
		".25":       250_000,
		"0.000001":  1,
		"-2.5":      -2_500_000,
		" 12.0000 ": 12_000_000,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	invalid := []string{
		"", "-", "abc", "1.0000001", "1.-5", "1.+5", "99999999999999999999",
		"--5", "-+5", "+-5", "--9999999999999999", "- 5", "1e3", "0x10",
	}
	for _, bad := range invalid {
		_, err := ParseAmount(bad)
		require.ErrorIs(t, err, contracts.ErrInvalidAmount, bad)
	}
}

func TestAmountString_Negative(t *testing.T) {
	assert.Equal(t, "-0.000500", Amount(-500).String())
}
