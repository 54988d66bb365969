package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"curvance/config"
	"curvance/core"
	"curvance/native/messaging"
	"curvance/observability/logging"
	"curvance/storage"
)

const manifest = `adaptors:
  - id: "0x00000000000000000000000000000000000000a1"
    kind: manual
assets:
  - asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    symbol: WETH
    decimals: 18
    feeds:
      - adaptor: "0x00000000000000000000000000000000000000a1"
        inUSD: true
        price: "2000.5"
`

const (
	wethHex    = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	relayToken = "relay-secret"
	remote     = 5
)

func newServer(t *testing.T, cfg Config) (*httptest.Server, *config.Config) {
	t.Helper()
	nodeCfg := config.Default()
	nodeCfg.Messaging.RemoteChains = []uint64{remote}
	parsed, err := config.ParseFeedManifest([]byte(manifest))
	require.NoError(t, err)
	node, err := core.NewNode(nodeCfg, parsed, storage.NewMemDB())
	require.NoError(t, err)
	cfg.BearerToken = relayToken
	srv := httptest.NewServer(NewServer(node, cfg).Handler())
	t.Cleanup(srv.Close)
	return srv, nodeCfg
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestGetPrice(t *testing.T) {
	srv, _ := newServer(t, Config{})

	var body priceResponse
	resp := getJSON(t, srv.URL+"/v1/oracle/prices/"+wethHex+"?usd=true&lower=true", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2000.5", body.PriceDecimal)
	require.Equal(t, "2000500000000000000000", body.Price)
	require.Equal(t, uint8(0), body.ErrorCode)
	_, err := uuid.Parse(resp.Header.Get(RequestIDHeader))
	require.NoError(t, err)

	resp = getJSON(t, srv.URL+"/v1/oracle/prices/0x0000000000000000000000000000000000000bad", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, srv.URL+"/v1/oracle/prices/not-an-address", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = getJSON(t, srv.URL+"/v1/oracle/prices/"+wethHex+"?usd=maybe", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchPricesAndFeeds(t *testing.T) {
	srv, _ := newServer(t, Config{})

	payload := []byte(`{"queries":[{"asset":"` + wethHex + `"},{"asset":"` + wethHex + `","lower":true}]}`)
	resp, err := http.Post(srv.URL+"/v1/oracle/prices", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	var batch struct {
		Prices []priceResponse `json:"prices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, batch.Prices, 2)
	require.True(t, batch.Prices[1].Lower)

	resp, err = http.Post(srv.URL+"/v1/oracle/prices", "application/json", bytes.NewReader([]byte(`{"queries":[]}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var feeds struct {
		Feeds []feedResponse `json:"feeds"`
	}
	resp = getJSON(t, srv.URL+"/v1/oracle/assets/"+wethHex+"/feeds", &feeds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, feeds.Feeds, 1)
	require.False(t, feeds.Feeds[0].HadError)
}

func TestLockerUserAndEpoch(t *testing.T) {
	srv, _ := newServer(t, Config{})

	var user lockerUserResponse
	resp := getJSON(t, srv.URL+"/v1/locker/users/0x00000000000000000000000000000000000a11ce", &user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", user.Points)
	require.Empty(t, user.Locks)

	var epoch map[string]any
	resp = getJSON(t, srv.URL+"/v1/fees/epochs/0", &epoch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, epoch["rolled"])

	resp = getJSON(t, srv.URL+"/v1/fees/epochs/minus-one", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarketAccount(t *testing.T) {
	srv, _ := newServer(t, Config{})
	var account map[string]any
	resp := getJSON(t, srv.URL+"/v1/market/accounts/0x00000000000000000000000000000000000a11ce?breakpoint=badSource", &account)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", account["collateral"])

	resp = getJSON(t, srv.URL+"/v1/market/accounts/0x00000000000000000000000000000000000a11ce?breakpoint=never", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func postEnvelope(t *testing.T, url, token string, env messaging.Envelope) int {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+messaging.ReceivePath, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestReceiveRelayedMessage(t *testing.T) {
	srv, cfg := newServer(t, Config{})

	payload, err := messaging.Encode(messaging.EpochRewards{Epoch: 0, RewardPerUnit: uint256.NewInt(42)})
	require.NoError(t, err)
	msg := messaging.Message{Kind: messaging.KindEpochRewards, SrcChainID: remote, DstChainID: cfg.ChainID, Payload: payload}
	hash, err := msg.Hash()
	require.NoError(t, err)
	env := messaging.Envelope{Message: msg, Hash: hash}

	require.Equal(t, http.StatusUnauthorized, postEnvelope(t, srv.URL, "", env))
	require.Equal(t, http.StatusUnauthorized, postEnvelope(t, srv.URL, "wrong", env))
	require.Equal(t, http.StatusOK, postEnvelope(t, srv.URL, relayToken, env))
	require.Equal(t, http.StatusConflict, postEnvelope(t, srv.URL, relayToken, env))

	var user lockerUserResponse
	getJSON(t, srv.URL+"/v1/locker/users/0x00000000000000000000000000000000000a11ce", &user)
	require.Equal(t, uint64(1), user.NextEpochToDeliver)

	foreign := messaging.Message{Kind: messaging.KindEpochRewards, SrcChainID: 99, DstChainID: cfg.ChainID, Payload: payload}
	foreignHash, err := foreign.Hash()
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, postEnvelope(t, srv.URL, relayToken, messaging.Envelope{Message: foreign, Hash: foreignHash}))
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1})
	url := srv.URL + "/v1/oracle/prices/" + wethHex
	require.Equal(t, http.StatusOK, getJSON(t, url, nil).StatusCode)
	require.Equal(t, http.StatusTooManyRequests, getJSON(t, url, nil).StatusCode)

	resp := getJSON(t, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRejectedRelayLogsMaskedCredential(t *testing.T) {
	var out syncBuffer
	logger := slog.New(logging.NewHandler(&out, slog.LevelInfo))
	srv, cfg := newServer(t, Config{Logger: logger})

	msg := messaging.Message{Kind: messaging.KindEpochRewards, SrcChainID: remote, DstChainID: cfg.ChainID}
	hash, err := msg.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if code := postEnvelope(t, srv.URL, "stolen-relay-token", messaging.Envelope{Message: msg, Hash: hash}); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}

	lines := out.String()
	if !strings.Contains(lines, "relay request rejected") {
		t.Fatalf("rejection not logged: %s", lines)
	}
	if strings.Contains(lines, "stolen-relay-token") {
		t.Fatalf("presented token leaked into logs: %s", lines)
	}
	if !strings.Contains(lines, logging.RedactedValue) {
		t.Fatalf("authorization header not masked: %s", lines)
	}
}
