package live

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contextengine/internal/model"
)

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	identity := func(d time.Duration) time.Duration { return d }

	require.Equal(t, 500*time.Millisecond, backoffDelay(1, identity))
	require.Equal(t, 1*time.Second, backoffDelay(2, identity))
	require.Equal(t, 2*time.Second, backoffDelay(3, identity))
	require.Equal(t, 4*time.Second, backoffDelay(4, identity))
	require.Equal(t, 8*time.Second, backoffDelay(5, identity))
	// beyond the cap, delay does not keep growing
	require.Equal(t, 8*time.Second, backoffDelay(9, identity))
}

func TestMockSource_PushAndNextEvent(t *testing.T) {
	src := NewMockSource()
	require.NoError(t, src.Subscribe("BTCUSDT"))
	require.NoError(t, src.Connect(context.Background()))
	require.True(t, src.IsConnected())

	tr := model.Trade{
		Timestamp:     time.Now(),
		Price:         decimal.RequireFromString("100"),
		Qty:           decimal.RequireFromString("1"),
		AggressorSide: model.SideBuy,
		TradeID:       model.NumTradeID(1),
	}
	go src.Push(tr)

	got, err := src.NextEvent(context.Background())
	require.NoError(t, err)
	require.True(t, got.TradeID.Equal(tr.TradeID))
}

func TestMockSource_DisconnectEndsNextEvent(t *testing.T) {
	src := NewMockSource()
	require.NoError(t, src.Connect(context.Background()))
	require.NoError(t, src.Disconnect())

	_, err := src.NextEvent(context.Background())
	require.Error(t, err)
}

func TestMockSource_ContextCancelEndsNextEvent(t *testing.T) {
	src := NewMockSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.NextEvent(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
