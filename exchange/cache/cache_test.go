package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/candleproxy/candleproxy/exchange/common"
)

func keyFor(interval string) Key {
	return Key{Exchange: "okx", Pair: "BTC-USDT", Interval: interval, SinceMs: 1763280000000}
}

func sampleCandlesticks() []common.Candlestick {
	return []common.Candlestick{
		{Timestamp: 1763280000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, QuoteVolume: 15, Confirm: 1},
		{Timestamp: 1763280060000, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20, QuoteVolume: 40, Confirm: 1},
	}
}

func TestGetBeforePutIsAMiss(t *testing.T) {
	c := New(10, nil)

	_, err := c.Get(keyFor("1m"))
	require.ErrorIs(t, err, ErrCacheMiss)

	requests, misses := c.Stats()
	require.Equal(t, 1, requests)
	require.Equal(t, 1, misses)
}

func TestPutThenGet(t *testing.T) {
	c := New(10, nil)
	candlesticks := sampleCandlesticks()

	c.Put(keyFor("1m"), candlesticks)

	actual, err := c.Get(keyFor("1m"))
	require.Nil(t, err)
	require.Equal(t, candlesticks, actual)

	requests, misses := c.Stats()
	require.Equal(t, 1, requests)
	require.Equal(t, 0, misses)
}

func TestDifferentKeysDoNotCollide(t *testing.T) {
	c := New(10, nil)
	c.Put(keyFor("1m"), sampleCandlesticks())

	otherPair := keyFor("1m")
	otherPair.Pair = "ETH-USDT"
	_, err := c.Get(otherPair)
	require.ErrorIs(t, err, ErrCacheMiss)

	otherWindow := keyFor("1m")
	otherWindow.SinceMs = 1763280060000
	_, err = c.Get(otherWindow)
	require.ErrorIs(t, err, ErrCacheMiss)

	limitMode := Key{Exchange: "okx", Pair: "BTC-USDT", Interval: "1m", SinceMs: -1, Limit: 100}
	_, err = c.Get(limitMode)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestEntriesExpirePerIntervalTTL(t *testing.T) {
	c := New(10, map[string]time.Duration{"1m": 30 * time.Second, "1h": 600 * time.Second})

	now := time.Unix(1763280000, 0)
	c.timeNow = func() time.Time { return now }

	c.Put(keyFor("1m"), sampleCandlesticks())
	c.Put(keyFor("1h"), sampleCandlesticks())

	// 31s later the 1m entry has expired but the 1h entry is still live.
	now = now.Add(31 * time.Second)

	_, err := c.Get(keyFor("1m"))
	require.ErrorIs(t, err, ErrCacheMiss)

	_, err = c.Get(keyFor("1h"))
	require.Nil(t, err)
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	c := New(10, nil)

	now := time.Unix(1763280000, 0)
	c.timeNow = func() time.Time { return now }

	c.Put(keyFor("1m"), sampleCandlesticks())
	now = now.Add(time.Hour)

	_, err := c.Get(keyFor("1m"))
	require.ErrorIs(t, err, ErrCacheMiss)
	require.Equal(t, 0, c.entries.Len())
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	c := New(10, map[string]time.Duration{"1m": 0})

	c.Put(keyFor("1m"), sampleCandlesticks())

	_, err := c.Get(keyFor("1m"))
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestUnknownIntervalUsesDefaultTTL(t *testing.T) {
	c := New(10, map[string]time.Duration{})

	now := time.Unix(1763280000, 0)
	c.timeNow = func() time.Time { return now }

	c.Put(keyFor("3m"), sampleCandlesticks())

	_, err := c.Get(keyFor("3m"))
	require.Nil(t, err)

	now = now.Add(DefaultTTL + time.Second)
	_, err = c.Get(keyFor("3m"))
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(2, nil)

	k1, k2, k3 := keyFor("1m"), keyFor("5m"), keyFor("15m")
	c.Put(k1, sampleCandlesticks())
	c.Put(k2, sampleCandlesticks())
	c.Put(k3, sampleCandlesticks())

	_, err := c.Get(k1)
	require.ErrorIs(t, err, ErrCacheMiss)

	_, err = c.Get(k2)
	require.Nil(t, err)
	_, err = c.Get(k3)
	require.Nil(t, err)
}
