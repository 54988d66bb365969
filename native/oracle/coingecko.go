package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoAdaptor prices assets in USD through the CoinGecko simple price
// API.
type CoinGeckoAdaptor struct {
	client   HTTPDoer
	endpoint string
	apiKey   string

	mu  sync.RWMutex
	ids map[common.Address]string
}

// NewCoinGeckoAdaptor constructs an adaptor. ids maps asset addresses to
// CoinGecko coin identifiers.
func NewCoinGeckoAdaptor(client HTTPDoer, endpoint, apiKey string, ids map[common.Address]string) *CoinGeckoAdaptor {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[common.Address]string, len(ids))
	for asset, id := range ids {
		if trimmed := strings.ToLower(strings.TrimSpace(id)); trimmed != "" {
			mapped[asset] = trimmed
		}
	}
	return &CoinGeckoAdaptor{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), ids: mapped}
}

// SetID maps asset to a CoinGecko coin identifier.
func (o *CoinGeckoAdaptor) SetID(asset common.Address, id string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.ids[asset] = strings.ToLower(strings.TrimSpace(id))
	o.mu.Unlock()
}

// IsSupportedAsset implements Adaptor.
func (o *CoinGeckoAdaptor) IsSupportedAsset(asset common.Address) bool {
	if o == nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ids[asset] != ""
}

// GetPrice implements Adaptor. Prices are always reported in USD.
func (o *CoinGeckoAdaptor) GetPrice(ctx context.Context, asset common.Address, _ bool, _ bool) (PriceResult, error) {
	if o == nil {
		return PriceResult{}, fmt.Errorf("coingecko adaptor not configured")
	}
	o.mu.RLock()
	id := o.ids[asset]
	o.mu.RUnlock()
	if id == "" {
		return PriceResult{}, fmt.Errorf("coingecko adaptor: %w: %s", ErrNotSupported, asset.Hex())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceResult{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	if o.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceResult{}, fmt.Errorf("coingecko adaptor: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return PriceResult{}, fmt.Errorf("coingecko adaptor: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return PriceResult{InUSD: true, HadError: true}, nil
	}
	price, err := ParseWad(entry["usd"].String())
	if err != nil {
		return PriceResult{InUSD: true, HadError: true}, nil
	}
	return PriceResult{Price: price, InUSD: true}, nil
}
