package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"curvance/config"
	"curvance/core/events"
	"curvance/core/state"
	"curvance/native/fees"
	"curvance/native/locker"
	"curvance/native/market"
	"curvance/native/messaging"
	"curvance/native/oracle"
	"curvance/native/registry"
	"curvance/native/swapper"
	"curvance/native/token"
	"curvance/native/vecve"
	"curvance/observability"
	"curvance/observability/logging"
	"curvance/storage"
)

// Accounts are the parsed module and operator addresses.
type Accounts struct {
	DAO       common.Address
	Locker    common.Address
	VeCVE     common.Address
	Fees      common.Address
	Hub       common.Address
	Treasury  common.Address
	Harvester common.Address
	Relayer   common.Address
}

// LockerView is the claim state of one user together with their points.
type LockerView struct {
	locker.UserInfo
	Points *uint256.Int
	Locks  []vecve.Lock
}

// Node is the central controller, wiring all components together. Every
// mutating call runs under one lock against the journaled state; committed
// transitions flush their buffered events to the sink, failed ones leave
// neither state nor events behind.
type Node struct {
	cfg      *config.Config
	accounts Accounts
	db       storage.Database
	state    *state.Manager
	buffer   *events.Buffer
	sink     events.Emitter
	logger   *slog.Logger

	registry *registry.Registry
	tokens   *token.Ledger
	router   *oracle.Router
	swapper  *swapper.Swapper
	vecve    *vecve.Engine
	locker   *locker.Locker
	hub      *messaging.Hub
	fees     *fees.Accumulator
	market   *market.Manager
	manual   map[common.Address]*oracle.ManualAdaptor
	nowFn    func() time.Time

	stateMu sync.Mutex
}

// Option customises node construction.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	sink       events.Emitter
	httpClient *http.Client
	dial       func(endpoint string) (ethereum.ContractCaller, error)
	nowFn      func() time.Time
	getenv     func(string) string
}

// WithLogger sets the node logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventSink adds a downstream consumer of committed events.
func WithEventSink(sink events.Emitter) Option {
	return func(o *options) { o.sink = sink }
}

// WithHTTPClient sets the client used by HTTP price adaptors and the
// messaging transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithContractDialer overrides how chainlink adaptors reach their EVM node.
func WithContractDialer(dial func(endpoint string) (ethereum.ContractCaller, error)) Option {
	return func(o *options) { o.dial = dial }
}

// WithNowFunc overrides the clock of the epoch engine and the router.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.nowFn = now
		}
	}
}

// WithEnv overrides environment lookups for secrets.
func WithEnv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// NewNode builds every module over db, installs the feed manifest and
// commits the bootstrap state.
func NewNode(cfg *config.Config, manifest *config.FeedManifest, db storage.Database, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: configuration required")
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &config.FeedManifest{}
	}
	o := options{
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dial: func(endpoint string) (ethereum.ContractCaller, error) {
			return oracle.DialContractCaller(endpoint)
		},
		getenv: os.Getenv,
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:      cfg,
		accounts: parseAccounts(cfg.Accounts),
		db:       db,
		state:    state.NewManager(db),
		buffer:   events.NewBuffer(),
		logger:   o.logger.With("component", "node"),
		manual:   make(map[common.Address]*oracle.ManualAdaptor),
		nowFn:    o.nowFn,
	}
	sinks := events.Fanout{observability.Events()}
	if o.sink != nil {
		sinks = append(sinks, o.sink)
	}
	n.sink = sinks

	if err := n.build(o); err != nil {
		return nil, err
	}
	err := n.apply(func() error {
		if err := n.bootstrap(); err != nil {
			return err
		}
		return n.install(manifest, o)
	})
	if err != nil {
		return nil, fmt.Errorf("core: bootstrap: %w", err)
	}
	n.logger.Info("node ready",
		"chain", cfg.ChainID,
		"assets", len(n.router.Assets()),
		"markets", len(n.market.Listed()),
		"nextEpochToDeliver", n.locker.NextEpochToDeliver())
	return n, nil
}

func parseAccounts(raw config.Accounts) Accounts {
	out := Accounts{
		DAO:       config.Address(raw.DAO),
		Locker:    config.Address(raw.Locker),
		VeCVE:     config.Address(raw.VeCVE),
		Fees:      config.Address(raw.Fees),
		Hub:       config.Address(raw.Hub),
		Treasury:  config.Address(raw.Treasury),
		Harvester: config.Address(raw.Harvester),
	}
	if raw.Relayer != "" {
		out.Relayer = config.Address(raw.Relayer)
	}
	return out
}

func (n *Node) build(o options) error {
	cfg := n.cfg
	reg, err := registry.New(n.state, n.accounts.DAO)
	if err != nil {
		return err
	}
	reg.SetEmitter(n.buffer)
	n.registry = reg

	n.tokens = token.NewLedger(n.state)
	n.tokens.SetEmitter(n.buffer)

	router, err := oracle.NewRouter(reg, cfg.Oracle)
	if err != nil {
		return err
	}
	router.SetEmitter(n.buffer)
	router.SetLogger(o.logger.With("component", "oracle"))
	router.SetNowFunc(o.nowFn)
	n.router = router
	n.swapper = swapper.New(reg, router, n.tokens, n.state)

	rewardToken := config.Address(cfg.Tokens.RewardToken)
	engine, err := vecve.NewEngine(n.state, n.tokens, vecve.Config{
		Address:   n.accounts.VeCVE,
		LockAsset: config.Address(cfg.Tokens.LockAsset),
		Locker:    n.accounts.Locker,
		Genesis:   cfg.Epochs.GenesisTime(),
	})
	if err != nil {
		return err
	}
	engine.SetEmitter(n.buffer)
	engine.SetPauses(cfg.Pauses)
	engine.SetNowFunc(o.nowFn)
	n.vecve = engine

	ledger, err := locker.New(n.state, reg, n.tokens, engine, n.swapper, locker.Config{
		Address:     n.accounts.Locker,
		RewardToken: rewardToken,
		Treasury:    n.accounts.Treasury,
		ClaimFeeBps: cfg.Locker.ClaimFeeBps,
	})
	if err != nil {
		return err
	}
	ledger.SetEmitter(n.buffer)
	ledger.SetPauses(cfg.Pauses)
	engine.SetRewardLedger(ledger)
	n.locker = ledger

	hub, err := messaging.New(n.state, reg, messaging.Config{Address: n.accounts.Hub, ChainID: cfg.ChainID})
	if err != nil {
		return err
	}
	hub.SetEmitter(n.buffer)
	if peers := cfg.Messaging.PeerEndpoints(); len(peers) > 0 {
		token := cfg.Messaging.Token(o.getenv)
		hub.SetTransport(messaging.NewHTTPTransport(o.httpClient, peers, token))
		o.logger.Info("messaging transport configured", "component", "messaging", "peers", len(peers), logging.MaskField("token", token))
	}
	n.hub = hub

	acc, err := fees.New(n.state, reg, n.tokens, ledger, engine, hub, fees.Config{Address: n.accounts.Fees, FeeToken: rewardToken})
	if err != nil {
		return err
	}
	acc.SetEmitter(n.buffer)
	hub.SetRewardSink(ledger)
	hub.SetPointsSink(acc)
	n.fees = acc

	mgr, err := market.NewManager(router, reg)
	if err != nil {
		return err
	}
	n.market = mgr
	return nil
}

// apply runs fn as one state transition.
func (n *Node) apply(fn func() error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	snap := n.state.Snapshot()
	mark := n.buffer.Len()
	if err := fn(); err != nil {
		n.state.RevertToSnapshot(snap)
		n.buffer.Truncate(mark)
		return err
	}
	if err := n.state.Commit(); err != nil {
		n.state.Discard()
		n.buffer.Truncate(mark)
		return err
	}
	n.buffer.Flush(n.sink)
	return nil
}

// Apply exposes the transition wrapper to embedders driving modules directly.
func (n *Node) Apply(fn func() error) error { return n.apply(fn) }

// view runs fn under the state lock without committing.
func (n *Node) view(fn func() error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn()
}

// Close releases the database.
func (n *Node) Close() {
	if n.db != nil {
		n.db.Close()
	}
}

func (n *Node) Config() *config.Config       { return n.cfg }
func (n *Node) Accounts() Accounts           { return n.accounts }
func (n *Node) Router() *oracle.Router       { return n.router }
func (n *Node) Registry() *registry.Registry { return n.registry }
func (n *Node) Tokens() *token.Ledger        { return n.tokens }
func (n *Node) Locker() *locker.Locker       { return n.locker }
func (n *Node) VeCVE() *vecve.Engine         { return n.vecve }
func (n *Node) Hub() *messaging.Hub          { return n.hub }
func (n *Node) Fees() *fees.Accumulator      { return n.fees }
func (n *Node) Market() *market.Manager      { return n.market }
func (n *Node) Swapper() *swapper.Swapper    { return n.swapper }

// ManualAdaptor returns the manual adaptor approved under id, if any.
func (n *Node) ManualAdaptor(id common.Address) (*oracle.ManualAdaptor, bool) {
	adaptor, ok := n.manual[id]
	return adaptor, ok
}

// Price aggregates the feeds of asset.
func (n *Node) Price(ctx context.Context, asset common.Address, inUSD, getLower bool) (oracle.Quote, error) {
	return n.router.GetPrice(ctx, asset, inUSD, getLower)
}

// Prices aggregates several assets in one call.
func (n *Node) Prices(ctx context.Context, assets []common.Address, inUSD, getLower []bool) ([]oracle.Quote, error) {
	return n.router.GetPrices(ctx, assets, inUSD, getLower)
}

// FeedPrices returns every feed answer of asset without aggregation.
func (n *Node) FeedPrices(ctx context.Context, asset common.Address, inUSD, getLower bool) ([]oracle.FeedPrice, error) {
	return n.router.GetPricesForAsset(ctx, asset, inUSD, getLower)
}

// LockerUser reports the claim state and points of user.
func (n *Node) LockerUser(user common.Address) (LockerView, error) {
	var out LockerView
	err := n.view(func() error {
		points, err := n.vecve.UserPoints(user)
		if err != nil {
			return err
		}
		locks, err := n.vecve.Locks(user)
		if err != nil {
			return err
		}
		out = LockerView{UserInfo: n.locker.UserInfo(user), Points: points, Locks: locks}
		return nil
	})
	return out, err
}

// EpochSummary reports the fee accounting of epoch.
func (n *Node) EpochSummary(epoch uint64) (fees.EpochSummary, error) {
	var out fees.EpochSummary
	err := n.view(func() error {
		var err error
		out, err = n.fees.Summary(epoch)
		return err
	})
	return out, err
}

// MarketLiquidity values account across the listed market tokens.
func (n *Node) MarketLiquidity(ctx context.Context, account common.Address, breakpoint oracle.ErrorCode) (market.Liquidity, error) {
	var out market.Liquidity
	err := n.view(func() error {
		var err error
		out, err = n.market.Liquidity(ctx, account, breakpoint)
		return err
	})
	return out, err
}

// HealthFactor reports the WAD health factor of account.
func (n *Node) HealthFactor(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := n.view(func() error {
		var err error
		out, err = n.market.HealthFactor(ctx, account)
		return err
	})
	return out, err
}

// ReceiveMessage delivers an envelope relayed by a peer chain. The relayer
// account configured for this node is the caller.
func (n *Node) ReceiveMessage(ctx context.Context, env messaging.Envelope) error {
	if n.accounts.Relayer == (common.Address{}) {
		return messaging.ErrUnauthorized
	}
	return n.apply(func() error {
		return n.hub.Receive(ctx, n.accounts.Relayer, env)
	})
}

// RecordFees moves harvested fees from caller into the current epoch pool.
func (n *Node) RecordFees(caller common.Address, amount *uint256.Int) error {
	return n.apply(func() error {
		return n.fees.RecordFees(caller, amount)
	})
}

// RollDueEpochs delivers every ended epoch the reward ledger is still
// waiting for and returns how many were rolled.
func (n *Node) RollDueEpochs(ctx context.Context) (int, error) {
	rolled := 0
	for {
		if err := ctx.Err(); err != nil {
			return rolled, err
		}
		next := n.locker.NextEpochToDeliver()
		if next >= n.vecve.CurrentEpoch() {
			return rolled, nil
		}
		var rpu *uint256.Int
		err := n.apply(func() error {
			var err error
			rpu, err = n.fees.RollEpoch(ctx, n.accounts.Harvester, next)
			return err
		})
		if errors.Is(err, fees.ErrEpochNotEnded) {
			return rolled, nil
		}
		if err != nil {
			return rolled, fmt.Errorf("core: roll epoch %d: %w", next, err)
		}
		n.logger.Info("epoch rolled", "epoch", next, "rewardPerUnit", rpu.Dec())
		rolled++
	}
}

// OracleHealth reports the rolling feed statistics of the router.
func (n *Node) OracleHealth() oracle.Health { return n.router.Health() }
