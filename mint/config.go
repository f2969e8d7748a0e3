package mint

import (
	"time"

	"github.com/lnmint/lnmint/cashu/nuts/nut06"
	"github.com/lnmint/lnmint/mint/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return Debug
	case "disable":
		return Disable
	default:
		return Info
	}
}

type DBBackend string

const (
	SQLiteBackend DBBackend = "sqlite"
	BoltBackend   DBBackend = "bolt"
)

const (
	DefaultQuoteExpiry       = 10 * time.Minute
	DefaultMeltTimeout       = time.Minute
	DefaultBackendTimeout    = 30 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultCacheTTL          = time.Hour
	DefaultCacheMaxEntries   = 10000
)

type Config struct {
	Port      int
	MintPath  string
	DBBackend DBBackend
	// optional. If set, the mint keys are derived from this mnemonic
	// instead of a newly generated seed
	Mnemonic        string
	MintInfo        MintInfo
	Limits          MintLimits
	LightningClient lightning.Client
	LogLevel        LogLevel
	QuoteExpiry     time.Duration
	// how long to wait for a payment before leaving the melt quote pending
	MeltTimeout       time.Duration
	// bound on each backend call other than payments
	BackendTimeout    time.Duration
	ReconcileInterval time.Duration
	Cache             CacheConfig
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

type CacheConfig struct {
	// if empty responses are cached in memory
	RedisAddr  string
	TTL        time.Duration
	// bound on the in-memory cache
	MaxEntries int
}
