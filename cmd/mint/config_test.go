package main

import (
	"testing"
	"time"

	"github.com/lnmint/lnmint/mint"
	"github.com/lnmint/lnmint/mint/lightning"
)

func TestMintConfigFromEnv(t *testing.T) {
	t.Setenv("MINT_LIGHTNING_BACKEND", "fake")
	t.Setenv("MINT_DB_BACKEND", "bolt")
	t.Setenv("MINT_LOG_LEVEL", "debug")
	t.Setenv("MINT_CONTACT_EMAIL", "mint@example.com")
	t.Setenv("MINT_URLS", "https://mint.example.com,https://mint2.example.com")
	t.Setenv("MINTING_MAX_AMOUNT", "50000")
	t.Setenv("MINT_MELT_TIMEOUT", "30s")
	t.Setenv("MINT_FEE_PERCENT", "0.5")
	t.Setenv("MINT_FEE_RESERVE_MIN", "4")

	cfg, err := loadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mintConfig, err := cfg.mintConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mintConfig.Port != 3338 {
		t.Fatalf("expected default port 3338 but got %v", mintConfig.Port)
	}
	if mintConfig.DBBackend != mint.BoltBackend {
		t.Fatalf("expected bolt backend but got %v", mintConfig.DBBackend)
	}
	if mintConfig.LogLevel != mint.Debug {
		t.Fatalf("expected debug log level but got %v", mintConfig.LogLevel)
	}
	if len(mintConfig.MintInfo.Contact) != 1 || mintConfig.MintInfo.Contact[0].Info != "mint@example.com" {
		t.Fatalf("unexpected contact info: %+v", mintConfig.MintInfo.Contact)
	}
	if len(mintConfig.MintInfo.URLs) != 2 {
		t.Fatalf("expected 2 urls but got %v", len(mintConfig.MintInfo.URLs))
	}
	if mintConfig.Limits.MintingSettings.MaxAmount != 50000 {
		t.Fatalf("expected max mint amount of 50000 but got %v", mintConfig.Limits.MintingSettings.MaxAmount)
	}
	if mintConfig.MeltTimeout != 30*time.Second {
		t.Fatalf("expected melt timeout of 30s but got %v", mintConfig.MeltTimeout)
	}
	if mintConfig.BackendTimeout != 30*time.Second {
		t.Fatalf("expected default backend timeout of 30s but got %v", mintConfig.BackendTimeout)
	}
	if mintConfig.Cache.MaxEntries != 10000 {
		t.Fatalf("expected default cache size of 10000 but got %v", mintConfig.Cache.MaxEntries)
	}
	if mintConfig.QuoteExpiry != 10*time.Minute {
		t.Fatalf("expected default quote expiry of 10m but got %v", mintConfig.QuoteExpiry)
	}

	fakeBackend, ok := mintConfig.LightningClient.(*lightning.FakeBackend)
	if !ok {
		t.Fatalf("expected fake backend but got %T", mintConfig.LightningClient)
	}
	// max(ceil(1000 * 0.5 / 100), 4)
	if reserve := fakeBackend.FeeReserve(1000); reserve != 5 {
		t.Fatalf("expected fee reserve of 5 but got %v", reserve)
	}
	if reserve := fakeBackend.FeeReserve(100); reserve != 4 {
		t.Fatalf("expected fee reserve of 4 but got %v", reserve)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "invalid db backend",
			env:  map[string]string{"MINT_LIGHTNING_BACKEND": "fake", "MINT_DB_BACKEND": "postgres"},
		},
		{
			name: "invalid lightning backend",
			env:  map[string]string{"MINT_LIGHTNING_BACKEND": "eclair"},
		},
		{
			name: "lnd without host",
			env:  map[string]string{"MINT_LIGHTNING_BACKEND": "lnd", "LND_GRPC_HOST": ""},
		},
		{
			name: "cln without rune",
			env:  map[string]string{"MINT_LIGHTNING_BACKEND": "cln", "CLN_REST_URL": "https://localhost:3010", "CLN_RUNE": ""},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			cfg, err := loadEnvConfig()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := cfg.mintConfig(); err == nil {
				t.Fatal("expected error but got nil")
			}
		})
	}
}
