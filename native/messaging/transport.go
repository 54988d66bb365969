package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReceivePath is the API route peers accept envelopes on.
const ReceivePath = "/v1/messaging/receive"

// HTTPDoer is the subset of *http.Client the transport needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport posts envelopes to the API of the destination chain's node.
type HTTPTransport struct {
	client    HTTPDoer
	endpoints map[uint64]string
	token     string
}

// NewHTTPTransport maps chain identifiers to peer base URLs. The bearer token
// authenticates the relayer on the receiving side.
func NewHTTPTransport(client HTTPDoer, endpoints map[uint64]string, token string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	copied := make(map[uint64]string, len(endpoints))
	for id, url := range endpoints {
		copied[id] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return &HTTPTransport{client: client, endpoints: copied, token: strings.TrimSpace(token)}
}

// Deliver posts env to its destination chain.
func (t *HTTPTransport) Deliver(ctx context.Context, env Envelope) error {
	base, ok := t.endpoints[env.Message.DstChainID]
	if !ok || base == "" {
		return fmt.Errorf("%w: no endpoint for chain %d", ErrUnsupportedChain, env.Message.DstChainID)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+ReceivePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// A replay means the peer already has the message.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("messaging: peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
