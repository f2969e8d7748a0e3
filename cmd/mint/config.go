package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/lnmint/lnmint/cashu/nuts/nut06"
	"github.com/lnmint/lnmint/mint"
	"github.com/lnmint/lnmint/mint/lightning"
)

type envConfig struct {
	Port      int    `env:"MINT_PORT" envDefault:"3338"`
	DBPath    string `env:"MINT_DB_PATH"`
	DBBackend string `env:"MINT_DB_BACKEND" envDefault:"sqlite"`
	Mnemonic  string `env:"MINT_MNEMONIC"`
	LogLevel  string `env:"MINT_LOG_LEVEL" envDefault:"info"`

	AdminSocket string `env:"MINT_ADMIN_SOCKET"`

	Info struct {
		Name            string   `env:"MINT_NAME" envDefault:"lnmint"`
		Description     string   `env:"MINT_DESCRIPTION"`
		LongDescription string   `env:"MINT_DESCRIPTION_LONG"`
		Email           string   `env:"MINT_CONTACT_EMAIL"`
		Nostr           string   `env:"MINT_CONTACT_NOSTR"`
		Motd            string   `env:"MINT_MOTD"`
		IconURL         string   `env:"MINT_ICON_URL"`
		URLs            []string `env:"MINT_URLS" envSeparator:","`
	}

	Limits struct {
		MaxBalance    uint64 `env:"MAX_BALANCE"`
		MintMaxAmount uint64 `env:"MINTING_MAX_AMOUNT"`
		MintMinAmount uint64 `env:"MINTING_MIN_AMOUNT"`
		MeltMaxAmount uint64 `env:"MELTING_MAX_AMOUNT"`
		MeltMinAmount uint64 `env:"MELTING_MIN_AMOUNT"`
	}

	QuoteExpiry       time.Duration `env:"MINT_QUOTE_EXPIRY" envDefault:"10m"`
	MeltTimeout       time.Duration `env:"MINT_MELT_TIMEOUT" envDefault:"1m"`
	BackendTimeout    time.Duration `env:"MINT_BACKEND_TIMEOUT" envDefault:"30s"`
	ReconcileInterval time.Duration `env:"MINT_RECONCILE_INTERVAL" envDefault:"1m"`

	Cache struct {
		RedisAddr  string        `env:"MINT_REDIS_ADDR"`
		TTL        time.Duration `env:"MINT_CACHE_TTL" envDefault:"1h"`
		MaxEntries int           `env:"MINT_CACHE_MAX_ENTRIES" envDefault:"10000"`
	}

	Lightning struct {
		Backend        string  `env:"MINT_LIGHTNING_BACKEND" envDefault:"lnd"`
		FeePercent     float64 `env:"MINT_FEE_PERCENT" envDefault:"1"`
		FeeReserveMin  uint64  `env:"MINT_FEE_RESERVE_MIN" envDefault:"2"`
		LndGrpcHost    string  `env:"LND_GRPC_HOST"`
		LndCertPath    string  `env:"LND_CERT_PATH"`
		LndMacaroonPth string  `env:"LND_MACAROON_PATH"`
		CLNRestURL     string  `env:"CLN_REST_URL"`
		CLNRune        string  `env:"CLN_RUNE"`
	}
}

func loadEnvConfig() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return envConfig{}, fmt.Errorf("error parsing environment: %v", err)
	}
	return cfg, nil
}

func (cfg envConfig) adminSocketPath() string {
	if len(cfg.AdminSocket) > 0 {
		return cfg.AdminSocket
	}
	return filepath.Join(os.TempDir(), "lnmint", "lnmint-admin.sock")
}

func (cfg envConfig) mintConfig() (mint.Config, error) {
	var backend mint.DBBackend
	switch cfg.DBBackend {
	case "sqlite":
		backend = mint.SQLiteBackend
	case "bolt":
		backend = mint.BoltBackend
	default:
		return mint.Config{}, fmt.Errorf("invalid MINT_DB_BACKEND '%v'", cfg.DBBackend)
	}

	var contact []nut06.ContactInfo
	if len(cfg.Info.Email) > 0 {
		contact = append(contact, nut06.ContactInfo{Method: "email", Info: cfg.Info.Email})
	}
	if len(cfg.Info.Nostr) > 0 {
		contact = append(contact, nut06.ContactInfo{Method: "nostr", Info: cfg.Info.Nostr})
	}

	lightningClient, err := cfg.lightningClient()
	if err != nil {
		return mint.Config{}, err
	}

	return mint.Config{
		Port:      cfg.Port,
		MintPath:  cfg.DBPath,
		DBBackend: backend,
		Mnemonic:  cfg.Mnemonic,
		MintInfo: mint.MintInfo{
			Name:            cfg.Info.Name,
			Description:     cfg.Info.Description,
			LongDescription: cfg.Info.LongDescription,
			Contact:         contact,
			Motd:            cfg.Info.Motd,
			IconURL:         cfg.Info.IconURL,
			URLs:            cfg.Info.URLs,
		},
		Limits: mint.MintLimits{
			MaxBalance: cfg.Limits.MaxBalance,
			MintingSettings: mint.MintMethodSettings{
				MinAmount: cfg.Limits.MintMinAmount,
				MaxAmount: cfg.Limits.MintMaxAmount,
			},
			MeltingSettings: mint.MeltMethodSettings{
				MinAmount: cfg.Limits.MeltMinAmount,
				MaxAmount: cfg.Limits.MeltMaxAmount,
			},
		},
		LightningClient:   lightningClient,
		LogLevel:          mint.ParseLogLevel(cfg.LogLevel),
		QuoteExpiry:       cfg.QuoteExpiry,
		MeltTimeout:       cfg.MeltTimeout,
		BackendTimeout:    cfg.BackendTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
		Cache: mint.CacheConfig{
			RedisAddr:  cfg.Cache.RedisAddr,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		},
	}, nil
}

func (cfg envConfig) lightningClient() (lightning.Client, error) {
	fees := lightning.FeeConfig{
		Percent:    cfg.Lightning.FeePercent,
		MinReserve: cfg.Lightning.FeeReserveMin,
	}

	switch cfg.Lightning.Backend {
	case "lnd":
		if len(cfg.Lightning.LndGrpcHost) == 0 {
			return nil, errors.New("LND_GRPC_HOST cannot be empty")
		}
		lndConfig, err := lightning.NewLndConfig(
			cfg.Lightning.LndGrpcHost,
			cfg.Lightning.LndCertPath,
			cfg.Lightning.LndMacaroonPth,
			fees,
		)
		if err != nil {
			return nil, err
		}
		lndClient, err := lightning.SetupLndClient(lndConfig)
		if err != nil {
			return nil, fmt.Errorf("error setting LND client: %v", err)
		}
		return lndClient, nil

	case "cln":
		if len(cfg.Lightning.CLNRestURL) == 0 {
			return nil, errors.New("CLN_REST_URL cannot be empty")
		}
		if len(cfg.Lightning.CLNRune) == 0 {
			return nil, errors.New("CLN_RUNE cannot be empty")
		}
		clnClient, err := lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: cfg.Lightning.CLNRestURL,
			Rune:    cfg.Lightning.CLNRune,
			Fees:    fees,
		})
		if err != nil {
			return nil, fmt.Errorf("error setting CLN client: %v", err)
		}
		return clnClient, nil

	case "fake":
		fakeBackend := lightning.NewFakeBackend()
		fakeBackend.Fees = fees
		return fakeBackend, nil

	default:
		return nil, fmt.Errorf("invalid MINT_LIGHTNING_BACKEND '%v'", cfg.Lightning.Backend)
	}
}
