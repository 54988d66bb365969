package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("epoch rolled", "epoch", 7)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["message"] != "epoch rolled" || line["severity"] != "INFO" {
		t.Fatalf("unexpected line: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
	if line["epoch"] != float64(7) {
		t.Fatalf("unexpected epoch attr: %v", line["epoch"])
	}
}

func TestHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, ParseLevel("warn")))
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn line missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("apiKey", "cg-live-123"); attr.Value.String() != RedactedValue {
		t.Fatalf("api key not masked: %v", attr)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %v", attr)
	}
}

func TestHandlerMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("adaptor installed",
		"asset", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"bearerToken", "relay-secret",
		"rpc", "https://mainnet.example/v3/key",
		slog.Group("peer", "authToken", "peer-secret"),
	)
	if bytes.Contains(buf.Bytes(), []byte("secret")) || bytes.Contains(buf.Bytes(), []byte("/v3/key")) {
		t.Fatalf("secret leaked: %s", buf.String())
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["bearerToken"] != RedactedValue || line["rpc"] != RedactedValue {
		t.Fatalf("expected masked attributes: %v", line)
	}
	if line["asset"] != "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2" {
		t.Fatalf("asset masked: %v", line["asset"])
	}
	peer, _ := line["peer"].(map[string]any)
	if peer["authToken"] != RedactedValue {
		t.Fatalf("grouped token not masked: %v", line["peer"])
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"Authorization", "apiKey", "relayToken", "clientSecret", "rpc"} {
		if !IsSensitive(key) {
			t.Fatalf("%s should be sensitive", key)
		}
	}
	for _, key := range []string{"asset", "epoch", "chain", "tokens"} {
		if IsSensitive(key) {
			t.Fatalf("%s should not be sensitive", key)
		}
	}
}
