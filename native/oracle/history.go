package oracle

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type sample struct {
	price *uint256.Int
	at    time.Time
}

type historyKey struct {
	asset common.Address
	inUSD bool
}

// FeedHealth reports the snapshot window tracked for one asset and
// denomination.
type FeedHealth struct {
	Asset        common.Address
	InUSD        bool
	LastObserved time.Time
	Observations int
	Median       *uint256.Int
}

// Health aggregates the snapshot windows of every priced asset.
type Health struct {
	Feeds []FeedHealth
}

// recordSample appends an accepted price to the rolling window. Callers hold
// r.histMu.
func (r *Router) recordSample(asset common.Address, inUSD bool, price *uint256.Int, at time.Time) {
	if price == nil || price.IsZero() {
		return
	}
	key := historyKey{asset: asset, inUSD: inUSD}
	bucket := append([]sample{}, r.history[key]...)
	bucket = append(bucket, sample{price: new(uint256.Int).Set(price), at: at.UTC()})
	if r.snapshotWindow > 0 {
		cutoff := at.Add(-r.snapshotWindow)
		filtered := bucket[:0]
		for _, entry := range bucket {
			if entry.at.Before(cutoff) {
				continue
			}
			filtered = append(filtered, entry)
		}
		bucket = filtered
	}
	if r.snapshotCap > 0 && len(bucket) > r.snapshotCap {
		bucket = append([]sample{}, bucket[len(bucket)-r.snapshotCap:]...)
	}
	r.history[key] = bucket
}

// lastSnapshot returns the median of the recorded window, nil when empty.
// Callers hold r.histMu.
func (r *Router) lastSnapshot(asset common.Address, inUSD bool) *uint256.Int {
	return computeMedian(r.history[historyKey{asset: asset, inUSD: inUSD}])
}

func computeMedian(samples []sample) *uint256.Int {
	if len(samples) == 0 {
		return nil
	}
	values := make([]*uint256.Int, 0, len(samples))
	for _, s := range samples {
		if s.price != nil {
			values = append(values, s.price)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Lt(values[j]) })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return new(uint256.Int).Set(values[mid])
	}
	sum := new(uint256.Int)
	if _, overflow := sum.AddOverflow(values[mid-1], values[mid]); overflow {
		// Halve first so the average of two near-max values stays in range.
		a := new(uint256.Int).Rsh(values[mid-1], 1)
		b := new(uint256.Int).Rsh(values[mid], 1)
		return a.Add(a, b)
	}
	return sum.Rsh(sum, 1)
}

// Health returns the snapshot window state for every asset priced so far,
// ordered by asset then denomination.
func (r *Router) Health() Health {
	if r == nil {
		return Health{}
	}
	r.histMu.Lock()
	defer r.histMu.Unlock()
	feeds := make([]FeedHealth, 0, len(r.history))
	for key, bucket := range r.history {
		if len(bucket) == 0 {
			continue
		}
		feeds = append(feeds, FeedHealth{
			Asset:        key.asset,
			InUSD:        key.inUSD,
			LastObserved: bucket[len(bucket)-1].at,
			Observations: len(bucket),
			Median:       computeMedian(bucket),
		})
	}
	sort.Slice(feeds, func(i, j int) bool {
		if feeds[i].Asset != feeds[j].Asset {
			return feeds[i].Asset.Cmp(feeds[j].Asset) < 0
		}
		return !feeds[i].InUSD && feeds[j].InUSD
	})
	return Health{Feeds: feeds}
}
