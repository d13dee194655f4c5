package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// EngineMode selects the command-ingress transport.
type EngineMode string

const (
	ModeStdio   EngineMode = "stdio"
	ModeService EngineMode = "service"
)

// FsyncMode controls when WAL writes are flushed to stable storage.
type FsyncMode string

const (
	FsyncEvery    FsyncMode = "every"
	FsyncInterval FsyncMode = "interval"
	FsyncOff      FsyncMode = "off"
)

// ReplicationMode selects whether WAL entries are streamed to a standby,
// and whether append() blocks for an ack.
type ReplicationMode string

const (
	ReplicationSync    ReplicationMode = "sync"
	ReplicationAsync    ReplicationMode = "async"
	ReplicationDisabled ReplicationMode = "disabled"
)

// EngineConfig binds every engine.* key governing Engine State itself,
// distinct from the command-ingress EngineMode/ServiceAddr above.
type EngineConfig struct {
	// IOCGraceMs is how long an IOC/FOK order is given to fill before its
	// unfilled remainder is force-expired, per spec.md §4.3's expire
	// transition. GTC orders are unaffected unless they carry an explicit
	// good_til_ns deadline.
	IOCGraceMs int
}

// RiskConfig binds every risk.* key of spec.md §6.4.
type RiskConfig struct {
	MaxPosition       map[string]decimal.Decimal
	MaxLeverage       decimal.Decimal
	MaxPriceDeviation decimal.Decimal
	OrderRateWindowMs int
	OrderRateMax      int
	OrderSizeMin      map[string]decimal.Decimal
	OrderSizeMax      map[string]decimal.Decimal
}

// BreakerConfig binds every breaker.* key.
type BreakerConfig struct {
	DailyLossPct decimal.Decimal
	CooldownMs   int
}

// WalConfig binds every wal.* key.
type WalConfig struct {
	Path            string
	SegmentBytes    int64
	FsyncMode       FsyncMode
	FsyncIntervalMs int
}

// ReplicationConfig binds every replication.* key.
type ReplicationConfig struct {
	Mode         ReplicationMode
	Peer         string
	AckTimeoutMs int
	MaxPending   int
}

// SimulationConfig binds every simulation.* key.
type SimulationConfig struct {
	Enabled     bool
	LatencyMs   int
	SlippageBps int
}

// StoreConfig binds every store.* key: the gorm-backed snapshot mirror used
// for startup reconciliation, independent of the WAL's own checkpointing.
type StoreConfig struct {
	Driver string // "sqlite", "postgres", or "" to disable
	DSN    string
}

// FeeConfig binds every fee.* key, resolving spec.md §9's fee-model Open
// Question to a flat basis-points schedule (see engine.BpsFeePolicy).
type FeeConfig struct {
	Bps int
}

// VenueConfig binds every venue.* key: the external venue adapter used in
// place of the Fill Simulator when simulation.enabled is false.
type VenueConfig struct {
	RESTBaseURL   string
	WSURL         string
	PrivateKeyHex string
	MaxRetries    int
	RetryBaseMs   int
}

// FeedConfig binds every feed.* key: the external mark-price collaborator
// (out of scope as a feature per spec.md §1, carried here only as the
// minimal plumbing that exercises UpdateMark).
type FeedConfig struct {
	Enabled     bool
	Symbols     []string
	IntervalMs  int
}

// Config is the single typed configuration object threaded through every
// component's constructor by internal/runtime — no package reaches into
// os.Getenv directly outside this file, except internal/runtime's read of
// DEBUG for the log level.
type Config struct {
	EngineMode  EngineMode
	ServiceAddr string

	Engine      EngineConfig
	Risk        RiskConfig
	Breaker     BreakerConfig
	Wal         WalConfig
	Replication ReplicationConfig
	Simulation  SimulationConfig
	Store       StoreConfig
	Fee         FeeConfig
	Venue       VenueConfig
	Feed        FeedConfig
}

// Load reads recognized keys from the environment (after best-effort
// .env loading by the caller), applying the defaults below.
func Load() (*Config, error) {
	cfg := &Config{
		EngineMode:  EngineMode(getEnv("ENGINE_MODE", string(ModeStdio))),
		ServiceAddr: getEnv("ENGINE_SERVICE_ADDR", ":7700"),
		Engine: EngineConfig{
			IOCGraceMs: getEnvInt("ENGINE_IOC_GRACE_MS", 500),
		},
		Risk: RiskConfig{
			MaxPosition:       parseSymbolDecimalMap(getEnv("RISK_MAX_POSITION", "")),
			MaxLeverage:       getEnvDecimal("RISK_MAX_LEVERAGE", decimal.NewFromInt(5)),
			MaxPriceDeviation: getEnvDecimal("RISK_MAX_PRICE_DEVIATION", decimal.NewFromFloat(0.02)),
			OrderRateWindowMs: getEnvInt("RISK_ORDER_RATE_WINDOW_MS", 1000),
			OrderRateMax:      getEnvInt("RISK_ORDER_RATE_MAX", 20),
			OrderSizeMin:      parseSymbolDecimalMap(getEnv("RISK_ORDER_SIZE_MIN", "")),
			OrderSizeMax:      parseSymbolDecimalMap(getEnv("RISK_ORDER_SIZE_MAX", "")),
		},
		Breaker: BreakerConfig{
			DailyLossPct: getEnvDecimal("BREAKER_DAILY_LOSS_PCT", decimal.NewFromFloat(0.1)),
			CooldownMs:   getEnvInt("BREAKER_COOLDOWN_MS", 60_000),
		},
		Wal: WalConfig{
			Path:            getEnv("WAL_PATH", "data/veloz.wal"),
			SegmentBytes:    getEnvInt64("WAL_SEGMENT_BYTES", 64<<20),
			FsyncMode:       FsyncMode(getEnv("WAL_FSYNC_MODE", string(FsyncEvery))),
			FsyncIntervalMs: getEnvInt("WAL_FSYNC_INTERVAL_MS", 200),
		},
		Replication: ReplicationConfig{
			Mode:         ReplicationMode(getEnv("REPLICATION_MODE", string(ReplicationDisabled))),
			Peer:         getEnv("REPLICATION_PEER", ""),
			AckTimeoutMs: getEnvInt("REPLICATION_ACK_TIMEOUT_MS", 2000),
			MaxPending:   getEnvInt("REPLICATION_MAX_PENDING", 10_000),
		},
		Simulation: SimulationConfig{
			Enabled:     getEnvBool("SIMULATION_ENABLED", true),
			LatencyMs:   getEnvInt("SIMULATION_LATENCY_MS", 50),
			SlippageBps: getEnvInt("SIMULATION_SLIPPAGE_BPS", 5),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "sqlite"),
			DSN:    getEnv("STORE_DSN", "data/veloz.db"),
		},
		Fee: FeeConfig{
			Bps: getEnvInt("FEE_BPS", 10),
		},
		Venue: VenueConfig{
			RESTBaseURL:   getEnv("VENUE_REST_BASE_URL", ""),
			WSURL:         getEnv("VENUE_WS_URL", ""),
			PrivateKeyHex: getEnv("VENUE_PRIVATE_KEY_HEX", ""),
			MaxRetries:    getEnvInt("VENUE_MAX_RETRIES", 5),
			RetryBaseMs:   getEnvInt("VENUE_RETRY_BASE_MS", 200),
		},
		Feed: FeedConfig{
			Enabled:    getEnvBool("FEED_ENABLED", true),
			Symbols:    parseSymbolList(getEnv("FEED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
			IntervalMs: getEnvInt("FEED_INTERVAL_MS", 1000),
		},
	}

	switch cfg.EngineMode {
	case ModeStdio, ModeService:
	default:
		return nil, fmt.Errorf("invalid engine.mode %q", cfg.EngineMode)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseSymbolList splits a comma-separated symbol list, trimming whitespace
// and dropping empty entries.
func parseSymbolList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseSymbolDecimalMap parses "BTCUSDT=10,ETHUSDT=100" into a map; used for
// the per-symbol risk.* keys of spec.md §6.4.
func parseSymbolDecimalMap(raw string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = d
	}
	return out
}
