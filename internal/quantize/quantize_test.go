package quantize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQuantize_FloorsNotRounds(t *testing.T) {
	bin, err := Quantize(dec("101.505"), dec("0.1"))
	require.NoError(t, err)
	require.True(t, bin.Equal(dec("101.5")), "got %s", bin)
}

func TestQuantize_ExactMultiple(t *testing.T) {
	bin, err := Quantize(dec("100.2"), dec("0.1"))
	require.NoError(t, err)
	require.True(t, bin.Equal(dec("100.2")), "got %s", bin)
}

func TestQuantize_RoundTrip(t *testing.T) {
	tick := dec("0.1")
	prices := []string{"100.05", "99.99", "0.12345", "7"}
	for _, p := range prices {
		price := dec(p)
		once, err := Quantize(price, tick)
		require.NoError(t, err)
		twice, err := Quantize(once, tick)
		require.NoError(t, err)
		require.True(t, once.Equal(twice), "quantize not idempotent for %s: %s != %s", p, once, twice)
	}
}

func TestQuantize_IntegerMultipleLaw(t *testing.T) {
	tick := dec("0.05")
	for k := int64(0); k < 50; k++ {
		kTick := decimal.New(k, 0).Mul(tick)
		bin, err := Quantize(kTick, tick)
		require.NoError(t, err)
		require.Truef(t, bin.Equal(kTick), "k=%d: quantize(%s) = %s", k, kTick, bin)
	}
}

func TestQuantize_InvalidTick(t *testing.T) {
	cases := []decimal.Decimal{dec("0"), dec("-0.1"), dec("0.0000000000001")}
	for _, tick := range cases {
		_, err := Quantize(dec("100"), tick)
		require.ErrorIs(t, err, ErrInvalidTick)
	}
}

func TestQuantize_NegativePrice(t *testing.T) {
	_, err := Quantize(dec("-1"), dec("0.1"))
	require.Error(t, err)
}

func BenchmarkQuantize(b *testing.B) {
	price := dec("43127.58")
	tick := dec("0.1")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Quantize(price, tick)
	}
}
