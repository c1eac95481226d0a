package orderbook

import (
	"sync"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
)

// KlineCache keeps confirmed candles per instrument in arrival order.
type KlineCache struct {
	mu   sync.RWMutex
	bars map[string][]models.KlineBar
}

func NewKlineCache() *KlineCache {
	return &KlineCache{bars: make(map[string][]models.KlineBar)}
}

// Append adds a confirmed bar. A bar with the timestamp of the last cached
// one replaces it.
func (c *KlineCache) Append(bar models.KlineBar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.bars[bar.InstID]
	if n := len(list); n > 0 && list[n-1].Timestamp == bar.Timestamp {
		list[n-1] = bar
		return
	}
	c.bars[bar.InstID] = append(list, bar)
}

func (c *KlineCache) Bars(instID string) ([]models.KlineBar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.bars[instID]
	if !ok {
		return nil, false
	}
	out := make([]models.KlineBar, len(list))
	copy(out, list)
	return out, true
}

// Trim drops the oldest `drop` worth of bars from every instrument whose
// cached span exceeds maxSpan. It returns the number of bars removed.
func (c *KlineCache) Trim(maxSpan, drop time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, list := range c.bars {
		if len(list) < 2 {
			continue
		}
		earliest := list[0].Timestamp
		latest := list[len(list)-1].Timestamp
		if latest-earliest <= maxSpan.Milliseconds() {
			continue
		}
		cutoff := earliest + drop.Milliseconds()
		idx := 0
		for idx < len(list) && list[idx].Timestamp < cutoff {
			idx++
		}
		if idx == 0 {
			continue
		}
		kept := make([]models.KlineBar, len(list)-idx)
		copy(kept, list[idx:])
		c.bars[id] = kept
		removed += idx
	}
	return removed
}
