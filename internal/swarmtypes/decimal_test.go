package swarmtypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAmountRoundTrip(t *testing.T) {
	a, err := ParseAmount("1.00")
	require.NoError(t, err)
	require.Equal(t, "1.00", a.String())

	b, err := json.Marshal(a)
	require.NoError(t, err)
	require.Equal(t, `"1.00"`, string(b))

	var got Amount
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, a, got)
}

func TestAmountNegative(t *testing.T) {
	a, err := ParseAmount("-0.10")
	require.NoError(t, err)
	require.Equal(t, "-0.10", a.String())
}

func TestMicroAmountSplitTruncates(t *testing.T) {
	// $0.10 split at 65.1% work-pool share: 0.0651 internal, truncates to $0.06.
	fee, err := ParseAmount("0.10")
	require.NoError(t, err)
	micro := fee.ToMicro() // 1000 micro-dollars
	share := Micro(int64(micro) * 651 / 1000)
	require.Equal(t, "0.0651", share.String())
	require.Equal(t, Amount(6), share.Truncate()) // 0.06, truncated not rounded
}
