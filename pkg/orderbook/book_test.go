package orderbook

import (
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, size string) models.Level {
	return models.Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestLadder_ZeroSizeOnAbsentPriceIsNoop(t *testing.T) {
	l := NewLadder(models.BookSideBids)
	l.Apply([]models.Level{lvl("100", "1"), lvl("99", "2")})

	l.Apply([]models.Level{lvl("98", "0")})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap[1].Price.Equal(decimal.NewFromInt(99)))
}

func TestLadder_PositiveSizeReplaces(t *testing.T) {
	l := NewLadder(models.BookSideAsks)
	l.Apply([]models.Level{lvl("101.5", "3")})
	l.Apply([]models.Level{lvl("101.50", "7")})

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "7", snap[0].Size.String())
}

func TestLadder_ZeroSizeRemoves(t *testing.T) {
	l := NewLadder(models.BookSideAsks)
	l.Apply([]models.Level{lvl("101", "3"), lvl("102", "1")})
	l.Apply([]models.Level{lvl("101.0", "0")})

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "102", snap[0].Price.String())
}

func TestLadder_SnapshotOrdering(t *testing.T) {
	bids := NewLadder(models.BookSideBids)
	asks := NewLadder(models.BookSideAsks)
	levels := []models.Level{lvl("10", "1"), lvl("12", "1"), lvl("11", "1")}
	bids.Apply(levels)
	asks.Apply(levels)

	b := bids.Snapshot()
	a := asks.Snapshot()
	assert.Equal(t, []string{"12", "11", "10"}, prices(b))
	assert.Equal(t, []string{"10", "11", "12"}, prices(a))
}

func TestLadder_SnapshotIsIndependentCopy(t *testing.T) {
	l := NewLadder(models.BookSideBids)
	l.Apply([]models.Level{lvl("10", "1")})
	snap := l.Snapshot()

	l.Apply([]models.Level{lvl("10", "0"), lvl("9", "4")})

	require.Len(t, snap, 1)
	assert.Equal(t, "10", snap[0].Price.String())
}

func TestBook_ApplyPricePrunesStaleLevels(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplyDepth(
		[]models.Level{lvl("101", "1"), lvl("100", "2"), lvl("99", "3")},
		[]models.Level{lvl("99.5", "1"), lvl("100", "2"), lvl("102", "3")},
	)

	removed := b.ApplyPrice(decimal.NewFromInt(100))
	assert.Equal(t, 2, removed)

	snap := b.Snapshot()
	require.True(t, snap.HasPrice)
	p := decimal.NewFromInt(100)
	for _, bid := range snap.Bids {
		assert.False(t, bid.Price.GreaterThan(p), "bid %s above price", bid.Price)
	}
	for _, ask := range snap.Asks {
		assert.False(t, ask.Price.LessThan(p), "ask %s below price", ask.Price)
	}
	assert.Equal(t, []string{"100", "99"}, prices(snap.Bids))
	assert.Equal(t, []string{"100", "102"}, prices(snap.Asks))
}

func TestBook_PriceUnsetUntilTicker(t *testing.T) {
	b := NewBook("ETH-USDT-SWAP")
	_, ok := b.Price()
	assert.False(t, ok)

	b.ApplyPrice(decimal.RequireFromString("3000.1"))
	p, ok := b.Price()
	require.True(t, ok)
	assert.Equal(t, "3000.1", p.String())
}

func TestBooks_ConcurrentWriterAndReaders(t *testing.T) {
	books := NewBooks("BTC-USDT-SWAP")
	book := books.Book("BTC-USDT-SWAP")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			p := decimal.NewFromInt(int64(1000 + i%50))
			book.ApplyDepth([]models.Level{{Price: p, Size: decimal.NewFromInt(1)}}, nil)
			if i%10 == 0 {
				book.ApplyPrice(decimal.NewFromInt(1040))
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap, ok := books.Snapshot("BTC-USDT-SWAP")
				if ok {
					_ = len(snap.Bids)
				}
			}
		}()
	}
	wg.Wait()

	_, ok := books.Snapshot("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, books.Instruments())
}

func TestKlineCache_Trim(t *testing.T) {
	c := NewKlineCache()
	day := 24 * time.Hour
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d <= 41; d++ {
		c.Append(models.KlineBar{InstID: "BTC-USDT-SWAP", Timestamp: start.Add(time.Duration(d) * day).UnixMilli()})
	}

	removed := c.Trim(40*day, 10*day)
	assert.Equal(t, 10, removed)

	bars, ok := c.Bars("BTC-USDT-SWAP")
	require.True(t, ok)
	assert.Len(t, bars, 32)
	assert.Equal(t, start.Add(10*day).UnixMilli(), bars[0].Timestamp)

	assert.Zero(t, c.Trim(40*day, 10*day))
}

func TestKlineCache_AppendReplacesSameTimestamp(t *testing.T) {
	c := NewKlineCache()
	c.Append(models.KlineBar{InstID: "X", Timestamp: 1, Close: decimal.NewFromInt(1)})
	c.Append(models.KlineBar{InstID: "X", Timestamp: 1, Close: decimal.NewFromInt(2)})

	bars, _ := c.Bars("X")
	require.Len(t, bars, 1)
	assert.Equal(t, "2", bars[0].Close.String())
}

func prices(levels []models.Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}
