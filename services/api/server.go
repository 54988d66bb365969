package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"curvance/core"
	"curvance/native/fees"
	"curvance/native/market"
	"curvance/native/messaging"
	"curvance/native/oracle"
)

const maxBodyBytes = 1 << 20

// Backend is the node surface the API reads from.
type Backend interface {
	Price(ctx context.Context, asset common.Address, inUSD, getLower bool) (oracle.Quote, error)
	Prices(ctx context.Context, assets []common.Address, inUSD, getLower []bool) ([]oracle.Quote, error)
	FeedPrices(ctx context.Context, asset common.Address, inUSD, getLower bool) ([]oracle.FeedPrice, error)
	OracleHealth() oracle.Health
	LockerUser(user common.Address) (core.LockerView, error)
	EpochSummary(epoch uint64) (fees.EpochSummary, error)
	MarketLiquidity(ctx context.Context, account common.Address, breakpoint oracle.ErrorCode) (market.Liquidity, error)
	HealthFactor(ctx context.Context, account common.Address) (*uint256.Int, error)
	ReceiveMessage(ctx context.Context, env messaging.Envelope) error
}

// Config configures the HTTP surface.
type Config struct {
	ServiceName        string
	BearerToken        string
	RateLimitPerSecond float64
	RateLimitBurst     int
	Logger             *slog.Logger
}

// Server serves the read API and the relay endpoint.
type Server struct {
	backend Backend
	cfg     Config
	limiter *RateLimiter
}

// NewServer constructs a server over backend.
func NewServer(backend Backend, cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "curvance-api"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	}
}

// Handler returns the routed, traced handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Route("/oracle", func(or chi.Router) {
			or.Use(instrument("oracle"))
			or.Get("/prices/{asset}", s.getPrice)
			or.Post("/prices", s.getPrices)
			or.Get("/assets/{asset}/feeds", s.getFeeds)
		})
		v1.With(instrument("locker")).Get("/locker/users/{user}", s.getLockerUser)
		v1.With(instrument("fees")).Get("/fees/epochs/{epoch}", s.getEpoch)
		v1.With(instrument("market")).Get("/market/accounts/{account}", s.getAccount)
		v1.With(instrument("messaging"), bearer(s.cfg.BearerToken, s.cfg.Logger)).Post("/messaging/receive", s.receive)
	})
	return otelhttp.NewHandler(r, s.cfg.ServiceName)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	feeds := s.backend.OracleHealth().Feeds
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "feeds": feeds})
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseFlag(r *http.Request, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query %s: %q is not a boolean", name, raw)
	}
	return value, nil
}

// denomination reads the usd and lower query flags; prices default to the
// high USD answer.
func denomination(r *http.Request) (bool, bool, error) {
	inUSD, err := parseFlag(r, "usd", true)
	if err != nil {
		return false, false, err
	}
	lower, err := parseFlag(r, "lower", false)
	if err != nil {
		return false, false, err
	}
	return inUSD, lower, nil
}

type priceResponse struct {
	Asset        string `json:"asset"`
	InUSD        bool   `json:"inUSD"`
	Lower        bool   `json:"lower"`
	Price        string `json:"price"`
	PriceDecimal string `json:"priceDecimal"`
	ErrorCode    uint8  `json:"errorCode"`
	Status       string `json:"status"`
}

func newPriceResponse(asset common.Address, inUSD, lower bool, quote oracle.Quote) priceResponse {
	return priceResponse{
		Asset:        asset.Hex(),
		InUSD:        inUSD,
		Lower:        lower,
		Price:        formatInt(quote.Price),
		PriceDecimal: formatWad(quote.Price),
		ErrorCode:    uint8(quote.ErrorCode),
		Status:       quote.ErrorCode.String(),
	}
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inUSD, lower, err := denomination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := s.backend.Price(r.Context(), asset, inUSD, lower)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceResponse(asset, inUSD, lower, quote))
}

type priceQuery struct {
	Asset string `json:"asset"`
	InUSD *bool  `json:"inUSD"`
	Lower bool   `json:"lower"`
}

type batchRequest struct {
	Queries []priceQuery `json:"queries"`
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	assets := make([]common.Address, len(req.Queries))
	inUSD := make([]bool, len(req.Queries))
	lower := make([]bool, len(req.Queries))
	for i, q := range req.Queries {
		asset, err := parseAddress(q.Asset)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("queries[%d]: %v", i, err))
			return
		}
		assets[i] = asset
		inUSD[i] = q.InUSD == nil || *q.InUSD
		lower[i] = q.Lower
	}
	quotes, err := s.backend.Prices(r.Context(), assets, inUSD, lower)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	out := make([]priceResponse, len(quotes))
	for i, quote := range quotes {
		out[i] = newPriceResponse(assets[i], inUSD[i], lower[i], quote)
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": out})
}

type feedResponse struct {
	Adaptor      string `json:"adaptor"`
	Price        string `json:"price"`
	PriceDecimal string `json:"priceDecimal"`
	InUSD        bool   `json:"inUSD"`
	HadError     bool   `json:"hadError"`
}

func (s *Server) getFeeds(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inUSD, lower, err := denomination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	feeds, err := s.backend.FeedPrices(r.Context(), asset, inUSD, lower)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	out := make([]feedResponse, len(feeds))
	for i, feed := range feeds {
		out[i] = feedResponse{
			Adaptor:      feed.Adaptor.Hex(),
			Price:        formatInt(feed.Price),
			PriceDecimal: formatWad(feed.Price),
			InUSD:        feed.InUSD,
			HadError:     feed.HadError,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset.Hex(), "feeds": out})
}

type lockResponse struct {
	Amount      string `json:"amount"`
	UnlockEpoch uint64 `json:"unlockEpoch,omitempty"`
	Continuous  bool   `json:"continuous"`
}

type lockerUserResponse struct {
	User               string         `json:"user"`
	NextClaimIndex     uint64         `json:"nextClaimIndex"`
	EpochsToClaim      uint64         `json:"epochsToClaim"`
	NextEpochToDeliver uint64         `json:"nextEpochToDeliver"`
	Points             string         `json:"points"`
	Locks              []lockResponse `json:"locks"`
}

func (s *Server) getLockerUser(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.backend.LockerUser(user)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	locks := make([]lockResponse, len(view.Locks))
	for i, lock := range view.Locks {
		locks[i] = lockResponse{Amount: formatInt(lock.Amount), Continuous: lock.Continuous}
		if !lock.Continuous {
			locks[i].UnlockEpoch = lock.UnlockEpoch
		}
	}
	writeJSON(w, http.StatusOK, lockerUserResponse{
		User:               user.Hex(),
		NextClaimIndex:     view.NextClaimIndex,
		EpochsToClaim:      view.EpochsToClaim,
		NextEpochToDeliver: view.NextEpochToDeliver,
		Points:             formatInt(view.Points),
		Locks:              locks,
	})
}

func (s *Server) getEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "epoch must be an unsigned integer")
		return
	}
	summary, err := s.backend.EpochSummary(epoch)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":                summary.Epoch,
		"pool":                 formatInt(summary.Pool),
		"remotePoints":         formatInt(summary.RemotePoints),
		"totalPoints":          formatInt(summary.TotalPoints),
		"rewardPerUnit":        formatInt(summary.RewardPerUnit),
		"rewardPerUnitDecimal": formatWad(summary.RewardPerUnit),
		"rolled":               summary.Rolled,
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	breakpoint := oracle.Caution
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("breakpoint"))) {
	case "", "caution":
	case "badsource":
		breakpoint = oracle.BadSource
	default:
		writeError(w, r, http.StatusBadRequest, "breakpoint must be caution or badSource")
		return
	}
	liq, err := s.backend.MarketLiquidity(r.Context(), account, breakpoint)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	health, err := s.backend.HealthFactor(r.Context(), account)
	if err != nil {
		writeModuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":          account.Hex(),
		"collateral":       formatWad(liq.Collateral),
		"borrowLimit":      formatWad(liq.BorrowLimit),
		"liquidationLimit": formatWad(liq.LiquidationLimit),
		"debt":             formatWad(liq.Debt),
		"healthFactor":     formatWad(health),
	})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	var env messaging.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&env); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid envelope")
		return
	}
	if err := s.backend.ReceiveMessage(r.Context(), env); err != nil {
		writeModuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": env.Hash.Hex(), "delivered": true})
}
