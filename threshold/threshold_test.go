package threshold

import (
	"errors"
	"testing"

	"auditor-zk/shared"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestQualifiesBoundaries(t *testing.T) {
	tests := []struct {
		total, threshold string
		want             bool
	}{
		{"10000", "10000", false},
		{"10000.00", "10000", false},
		{"10000.01", "10000", true},
		{"9999.99", "10000", false},
		{"20912.75", "10000", true},
		{"0", "0", false},
		{"-5", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.total+">"+tt.threshold, func(t *testing.T) {
			got := Qualifies(decimal.RequireFromString(tt.total), decimal.RequireFromString(tt.threshold))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseThreshold(t *testing.T) {
	d, err := ParseThreshold(" 10000.50 ")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("10000.5")))

	_, err = ParseThreshold("-1")
	require.True(t, errors.Is(err, shared.ErrConfiguration))

	_, err = ParseThreshold("lots")
	require.True(t, errors.Is(err, shared.ErrConfiguration))
}

func TestDecide(t *testing.T) {
	d := Decide(decimal.RequireFromString("15234.50"), decimal.RequireFromString("10000"))
	require.True(t, d.Qualifies)
}
