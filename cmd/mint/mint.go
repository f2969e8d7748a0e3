package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lnmint/lnmint/mint"
	"github.com/lnmint/lnmint/mint/manager"
)

func main() {
	// variables can also be set directly in the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}

	cfg, err := loadEnvConfig()
	if err != nil {
		log.Fatal(err)
	}
	mintConfig, err := cfg.mintConfig()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	mintServer, err := mint.SetupMintServer(mintConfig)
	if err != nil {
		log.Fatalf("error setting up mint server: %v", err)
	}

	adminServer, err := manager.SetupServer(mintServer.Mint(), cfg.adminSocketPath())
	if err != nil {
		log.Fatalf("error setting up admin server: %v", err)
	}
	go func() {
		if err := adminServer.Start(); err != nil {
			log.Printf("admin server stopped: %v", err)
		}
	}()

	go func() {
		if err := mint.StartMintServer(mintServer); err != nil {
			log.Fatalf("error starting mint server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	adminServer.Shutdown()
	if err := mintServer.Shutdown(); err != nil {
		log.Printf("error shutting down mint server: %v", err)
	}
}
