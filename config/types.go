package config

import (
	"strings"

	"curvance/native/oracle"
)

// Accounts lists the module and operator addresses of the node, hex encoded.
type Accounts struct {
	DAO       string `toml:"DAO"`
	Locker    string `toml:"Locker"`
	VeCVE     string `toml:"VeCVE"`
	Fees      string `toml:"Fees"`
	Hub       string `toml:"Hub"`
	Treasury  string `toml:"Treasury"`
	Harvester string `toml:"Harvester"`
	Relayer   string `toml:"Relayer"`
}

// Tokens names the reward and lock assets.
type Tokens struct {
	RewardToken    string `toml:"RewardToken"`
	RewardSymbol   string `toml:"RewardSymbol"`
	RewardDecimals uint8  `toml:"RewardDecimals"`
	LockAsset      string `toml:"LockAsset"`
	LockSymbol     string `toml:"LockSymbol"`
}

// Epochs configures the reward schedule.
type Epochs struct {
	// Genesis is the RFC 3339 start of epoch 0.
	Genesis string `toml:"Genesis"`
	// RollSchedule is the cron expression of the epoch roll job.
	RollSchedule string `toml:"RollSchedule"`
}

// Locker carries the reward ledger parameters.
type Locker struct {
	ClaimFeeBps uint64 `toml:"ClaimFeeBps"`
}

// Swapper configures the devnet oracle-priced swap target used when claims
// convert rewards. An empty Target disables it.
type Swapper struct {
	Target          string   `toml:"Target"`
	FeeBps          uint64   `toml:"FeeBps"`
	Selectors       []string `toml:"Selectors"`
	RecipientOffset int      `toml:"RecipientOffset"`
}

// Messaging configures the cross-chain hub.
type Messaging struct {
	RemoteChains []uint64 `toml:"RemoteChains"`
	// Peers maps a chain identifier to the base URL of its node API.
	Peers          map[string]string `toml:"Peers"`
	BearerToken    string            `toml:"BearerToken"`
	BearerTokenEnv string            `toml:"BearerTokenEnv"`
}

// Token resolves the bearer token, preferring the environment variable.
func (m Messaging) Token(lookup func(string) string) string {
	if env := strings.TrimSpace(m.BearerTokenEnv); env != "" && lookup != nil {
		if value := strings.TrimSpace(lookup(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(m.BearerToken)
}

// EventLog configures event persistence. An empty DSN keeps events in memory
// only; DSNs starting with postgres:// select Postgres, anything else is a
// SQLite path.
type EventLog struct {
	DSN string `toml:"DSN"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
	Headers  string `toml:"Headers"`
}

// Logging configures the structured logger.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// API configures the HTTP surface.
type API struct {
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
}

// Pauses switches individual modules off.
type Pauses struct {
	Oracle bool `toml:"Oracle"`
	Locker bool `toml:"Locker"`
	VeCVE  bool `toml:"VeCVE"`
}

// IsPaused reports whether module is paused.
func (p Pauses) IsPaused(module string) bool {
	switch strings.ToLower(strings.TrimSpace(module)) {
	case "oracle":
		return p.Oracle
	case "locker":
		return p.Locker
	case "vecve":
		return p.VeCVE
	default:
		return false
	}
}

// Config is the node configuration file.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	ChainID       uint64 `toml:"ChainID"`
	FeedManifest  string `toml:"FeedManifest"`

	Accounts  Accounts      `toml:"accounts"`
	Tokens    Tokens        `toml:"tokens"`
	Epochs    Epochs        `toml:"epochs"`
	Oracle    oracle.Config `toml:"oracle"`
	Locker    Locker        `toml:"locker"`
	Swapper   Swapper       `toml:"swapper"`
	Messaging Messaging     `toml:"messaging"`
	EventLog  EventLog      `toml:"eventlog"`
	Telemetry Telemetry     `toml:"telemetry"`
	Logging   Logging       `toml:"logging"`
	API       API           `toml:"api"`
	Pauses    Pauses        `toml:"pauses"`
}
