package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/core/events"
	nativecommon "curvance/native/common"
	"curvance/observability"
)

// Router aggregates up to two approved adaptors per asset into one
// divergence-checked price.
type Router struct {
	mu        sync.RWMutex
	perms     permissions
	adaptors  map[common.Address]Adaptor
	feeds     map[common.Address][]common.Address
	caution   uint64
	badSource uint64
	snapshot  bool
	ethAsset  common.Address

	histMu         sync.Mutex
	history        map[historyKey][]sample
	snapshotWindow time.Duration
	snapshotCap    int

	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.OracleMetrics
	nowFn   func() time.Time
}

// NewRouter constructs a router with the supplied configuration. perms is the
// capability object used to authorise governance calls.
func NewRouter(perms permissions, cfg Config) (*Router, error) {
	if perms == nil {
		return nil, fmt.Errorf("oracle: permissions required")
	}
	cfg = cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		perms:          perms,
		adaptors:       make(map[common.Address]Adaptor),
		feeds:          make(map[common.Address][]common.Address),
		caution:        cfg.CautionBps,
		badSource:      cfg.BadSourceBps,
		snapshot:       cfg.SnapshotCheck,
		ethAsset:       cfg.ETHAddress(),
		history:        make(map[historyKey][]sample),
		snapshotWindow: cfg.SnapshotWindow,
		snapshotCap:    cfg.SnapshotCap,
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		metrics:        observability.Oracle(),
		nowFn:          time.Now,
	}, nil
}

// SetEmitter wires the event sink for governance changes.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

// SetLogger replaces the logger used for feed diagnostics.
func (r *Router) SetLogger(logger *slog.Logger) {
	if r == nil || logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetNowFunc overrides the clock used to timestamp snapshot samples.
func (r *Router) SetNowFunc(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.nowFn = now
	r.mu.Unlock()
}

// DivergenceFlags returns the caution and bad-source thresholds in bps.
func (r *Router) DivergenceFlags() (uint64, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caution, r.badSource
}

// Feeds lists the adaptors attached to asset in slot order.
func (r *Router) Feeds(asset common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address(nil), r.feeds[asset]...)
}

// Assets lists every asset with at least one feed.
func (r *Router) Assets() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.feeds))
	for asset := range r.feeds {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// IsApprovedAdaptor reports whether id is in the approved adaptor table.
func (r *Router) IsApprovedAdaptor(id common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adaptors[id]
	return ok
}

// IsSupportedAsset reports whether asset has at least one feed.
func (r *Router) IsSupportedAsset(asset common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds[asset]) > 0
}

type routerView struct {
	feeds     []FeedPrice
	caution   uint64
	badSource uint64
	snapshot  bool
}

// GetPrice returns the aggregated price of asset in USD (or ETH) and its
// error code. getLower selects the lower of two agreeing feeds.
func (r *Router) GetPrice(ctx context.Context, asset common.Address, inUSD, getLower bool) (Quote, error) {
	start := time.Now()
	quote, err := r.getPrice(ctx, asset, inUSD, getLower, 0)
	if err != nil {
		return Quote{}, err
	}
	r.metrics.RecordQuote(uint8(quote.ErrorCode), time.Since(start))
	return quote, nil
}

func (r *Router) getPrice(ctx context.Context, asset common.Address, inUSD, getLower bool, depth int) (Quote, error) {
	if r == nil {
		return Quote{}, ErrNotSupported
	}
	view, err := r.queryFeeds(ctx, asset, inUSD, getLower, depth)
	if err != nil {
		return Quote{}, err
	}

	if len(view.feeds) == 1 {
		feed := view.feeds[0]
		if feed.HadError {
			return Quote{Price: new(uint256.Int), ErrorCode: BadSource}, nil
		}
		return r.accept(asset, inUSD, feed.Price, view), nil
	}

	a, b := view.feeds[0], view.feeds[1]
	switch {
	case a.HadError && b.HadError:
		return Quote{}, fmt.Errorf("%w: every feed for %s errored", ErrNotSupported, asset.Hex())
	case a.HadError:
		return r.accept(asset, inUSD, b.Price, view), nil
	case b.HadError:
		return r.accept(asset, inUSD, a.Price, view), nil
	}

	low, high := a.Price, b.Price
	if high.Lt(low) {
		low, high = high, low
	}
	selected := high
	if getLower {
		selected = low
	}
	switch {
	case diverges(high, low, view.badSource):
		return Quote{Price: new(uint256.Int), ErrorCode: BadSource}, nil
	case diverges(high, low, view.caution):
		r.observe(asset, inUSD, selected)
		return Quote{Price: new(uint256.Int).Set(selected), ErrorCode: Caution}, nil
	default:
		r.observe(asset, inUSD, selected)
		return Quote{Price: new(uint256.Int).Set(selected), ErrorCode: NoError}, nil
	}
}

// accept handles a lone usable price, downgrading it to Caution when the
// snapshot check is on and the price drifted from the recorded median.
func (r *Router) accept(asset common.Address, inUSD bool, price *uint256.Int, view routerView) Quote {
	code := NoError
	if view.snapshot {
		r.histMu.Lock()
		last := r.lastSnapshot(asset, inUSD)
		r.histMu.Unlock()
		if last != nil {
			low, high := last, price
			if high.Lt(low) {
				low, high = high, low
			}
			if diverges(high, low, view.caution) {
				code = Caution
			}
		}
	}
	r.observe(asset, inUSD, price)
	return Quote{Price: new(uint256.Int).Set(price), ErrorCode: code}
}

func (r *Router) observe(asset common.Address, inUSD bool, price *uint256.Int) {
	r.mu.RLock()
	now := r.nowFn()
	r.mu.RUnlock()
	r.histMu.Lock()
	r.recordSample(asset, inUSD, price, now)
	r.histMu.Unlock()
}

// diverges reports high*BPS > low*flag without truncation.
func diverges(high, low *uint256.Int, flagBps uint64) bool {
	lhs := new(big.Int).Mul(high.ToBig(), big.NewInt(nativecommon.BasisPoints))
	rhs := new(big.Int).Mul(low.ToBig(), new(big.Int).SetUint64(flagBps))
	return lhs.Cmp(rhs) > 0
}

// queryFeeds snapshots the router configuration and invokes every feed for
// asset, converting answers into the requested denomination.
func (r *Router) queryFeeds(ctx context.Context, asset common.Address, inUSD, getLower bool, depth int) (routerView, error) {
	r.mu.RLock()
	ids := append([]common.Address(nil), r.feeds[asset]...)
	adaptors := make([]Adaptor, len(ids))
	for i, id := range ids {
		adaptors[i] = r.adaptors[id]
	}
	view := routerView{caution: r.caution, badSource: r.badSource, snapshot: r.snapshot}
	logger := r.logger
	r.mu.RUnlock()

	if len(ids) == 0 {
		return routerView{}, fmt.Errorf("%w: %s", ErrNotSupported, asset.Hex())
	}
	view.feeds = make([]FeedPrice, len(ids))
	for i, id := range ids {
		feed := r.queryFeed(ctx, id, adaptors[i], asset, inUSD, getLower, depth)
		if feed.HadError {
			r.metrics.RecordFeedError(id.Hex())
			logger.Debug("oracle feed errored",
				slog.String("asset", asset.Hex()),
				slog.String("adaptor", id.Hex()))
		}
		view.feeds[i] = feed
	}
	return view, nil
}

func (r *Router) queryFeed(ctx context.Context, id common.Address, adaptor Adaptor, asset common.Address, inUSD, getLower bool, depth int) FeedPrice {
	errored := FeedPrice{Adaptor: id, Price: new(uint256.Int), InUSD: inUSD, HadError: true}
	if adaptor == nil {
		return errored
	}
	res, err := adaptor.GetPrice(ctx, asset, inUSD, getLower)
	if err != nil || res.HadError || res.Price == nil || res.Price.IsZero() {
		return errored
	}
	price := new(uint256.Int).Set(res.Price)
	if res.InUSD != inUSD {
		converted, ok := r.convert(ctx, price, res.InUSD, getLower, depth)
		if !ok {
			return errored
		}
		price = converted
	}
	return FeedPrice{Adaptor: id, Price: price, InUSD: inUSD}
}

// convert moves a price between USD and ETH denominations through the ETH
// reference asset's USD price.
func (r *Router) convert(ctx context.Context, price *uint256.Int, fromUSD, getLower bool, depth int) (*uint256.Int, bool) {
	r.mu.RLock()
	eth := r.ethAsset
	r.mu.RUnlock()
	if eth == (common.Address{}) || depth > 0 {
		return nil, false
	}
	ethUSD, err := r.getPrice(ctx, eth, true, getLower, depth+1)
	if err != nil || ethUSD.ErrorCode != NoError || nativecommon.IsZero(ethUSD.Price) {
		return nil, false
	}
	var out *uint256.Int
	if fromUSD {
		out, err = nativecommon.MulDiv(price, nativecommon.WAD(), ethUSD.Price)
	} else {
		out, err = nativecommon.MulDiv(price, ethUSD.Price, nativecommon.WAD())
	}
	if err != nil || out.IsZero() {
		return nil, false
	}
	return out, true
}

// GetPrices prices each asset with the same denomination and selection.
func (r *Router) GetPrices(ctx context.Context, assets []common.Address, inUSD, getLower []bool) ([]Quote, error) {
	if len(assets) == 0 || len(assets) != len(inUSD) || len(assets) != len(getLower) {
		return nil, ErrInvalidParameter
	}
	out := make([]Quote, len(assets))
	for i, asset := range assets {
		quote, err := r.GetPrice(ctx, asset, inUSD[i], getLower[i])
		if err != nil {
			return nil, err
		}
		out[i] = quote
	}
	return out, nil
}

// GetPricesForAsset returns the converted answer of every feed attached to
// asset without aggregating them.
func (r *Router) GetPricesForAsset(ctx context.Context, asset common.Address, inUSD, getLower bool) ([]FeedPrice, error) {
	view, err := r.queryFeeds(ctx, asset, inUSD, getLower, 0)
	if err != nil {
		return nil, err
	}
	return view.feeds, nil
}

// GetPricesForMarket snapshots account in each market token and prices the
// underlying in USD. Collateral is priced low and debt high; any error code at
// or above breakpoint fails the whole call.
func (r *Router) GetPricesForMarket(ctx context.Context, account common.Address, tokens []MarketToken, breakpoint ErrorCode) ([]AccountSnapshot, []*uint256.Int, error) {
	if len(tokens) == 0 {
		return nil, nil, ErrInvalidParameter
	}
	snapshots := make([]AccountSnapshot, len(tokens))
	prices := make([]*uint256.Int, len(tokens))
	for i, token := range tokens {
		if token == nil {
			return nil, nil, ErrInvalidParameter
		}
		snap, err := token.AccountSnapshot(ctx, account)
		if err != nil {
			return nil, nil, fmt.Errorf("oracle: snapshot %d: %w", i, err)
		}
		quote, err := r.GetPrice(ctx, snap.Underlying, true, snap.IsCollateral)
		if err != nil {
			return nil, nil, err
		}
		if quote.ErrorCode >= breakpoint {
			return nil, nil, fmt.Errorf("%w: %s returned %s", ErrErrorCodeFlagged, snap.Underlying.Hex(), quote.ErrorCode)
		}
		snapshots[i] = snap
		prices[i] = quote.Price
	}
	return snapshots, prices, nil
}

// AddApprovedAdaptor places adaptor in the approved table under id.
func (r *Router) AddApprovedAdaptor(caller, id common.Address, adaptor Adaptor) error {
	if !r.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if id == (common.Address{}) || adaptor == nil {
		return ErrInvalidParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adaptors[id]; ok {
		return fmt.Errorf("%w: adaptor %s already approved", ErrInvalidParameter, id.Hex())
	}
	r.adaptors[id] = adaptor
	r.emitter.Emit(events.OracleAdaptorApproved{Adaptor: id})
	return nil
}

// RemoveApprovedAdaptor revokes id and detaches it from every asset.
func (r *Router) RemoveApprovedAdaptor(caller, id common.Address) error {
	if !r.perms.HasElevatedPermissions(caller) {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adaptors[id]; !ok {
		return ErrAdaptorNotApproved
	}
	delete(r.adaptors, id)
	assets := make([]common.Address, 0)
	for asset := range r.feeds {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Cmp(assets[j]) < 0 })
	for _, asset := range assets {
		if r.detach(asset, id) {
			r.emitter.Emit(events.OracleFeedChanged{Asset: asset, Adaptor: id, Feeds: len(r.feeds[asset]), Removed: true})
		}
	}
	r.emitter.Emit(events.OracleAdaptorApproved{Adaptor: id, Removed: true})
	return nil
}

// detach removes id from asset's feeds, forgetting the asset when it was the
// last feed. Callers hold r.mu.
func (r *Router) detach(asset, id common.Address) bool {
	feeds := r.feeds[asset]
	for i, existing := range feeds {
		if existing != id {
			continue
		}
		remaining := append(append([]common.Address(nil), feeds[:i]...), feeds[i+1:]...)
		if len(remaining) == 0 {
			delete(r.feeds, asset)
		} else {
			r.feeds[asset] = remaining
		}
		return true
	}
	return false
}

// AddAssetPriceFeed attaches an approved adaptor to asset.
func (r *Router) AddAssetPriceFeed(caller, asset, id common.Address) error {
	if !r.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if asset == (common.Address{}) {
		return ErrInvalidParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	adaptor, ok := r.adaptors[id]
	if !ok {
		return ErrAdaptorNotApproved
	}
	if !adaptor.IsSupportedAsset(asset) {
		return fmt.Errorf("%w: adaptor %s does not support %s", ErrNotSupported, id.Hex(), asset.Hex())
	}
	feeds := r.feeds[asset]
	for _, existing := range feeds {
		if existing == id {
			return ErrDuplicateFeed
		}
	}
	if len(feeds) >= MaxFeedsPerAsset {
		return ErrFeedLimit
	}
	r.feeds[asset] = append(append([]common.Address(nil), feeds...), id)
	r.emitter.Emit(events.OracleFeedChanged{Asset: asset, Adaptor: id, Feeds: len(r.feeds[asset])})
	return nil
}

// RemoveAssetPriceFeed detaches id from asset.
func (r *Router) RemoveAssetPriceFeed(caller, asset, id common.Address) error {
	if !r.perms.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.feeds[asset]) == 0 {
		return ErrNotSupported
	}
	if !r.detach(asset, id) {
		return fmt.Errorf("%w: adaptor %s not attached to %s", ErrInvalidParameter, id.Hex(), asset.Hex())
	}
	r.emitter.Emit(events.OracleFeedChanged{Asset: asset, Adaptor: id, Feeds: len(r.feeds[asset]), Removed: true})
	return nil
}

// SetDivergenceFlags updates the caution and bad-source thresholds.
func (r *Router) SetDivergenceFlags(caller common.Address, caution, badSource uint64) error {
	if !r.perms.HasElevatedPermissions(caller) {
		return ErrUnauthorized
	}
	if err := validateFlags(caution, badSource); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caution = caution
	r.badSource = badSource
	r.emitter.Emit(events.OracleDivergenceFlags{CautionBps: caution, BadSourceBps: badSource})
	return nil
}

// SetSnapshotCheck toggles the single-feed drift check.
func (r *Router) SetSnapshotCheck(caller common.Address, enabled bool) error {
	if !r.perms.HasElevatedPermissions(caller) {
		return ErrUnauthorized
	}
	r.mu.Lock()
	r.snapshot = enabled
	r.mu.Unlock()
	return nil
}
