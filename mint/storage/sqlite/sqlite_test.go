package sqlite

import (
	"testing"

	"github.com/lnmint/lnmint/mint/storage"
	"github.com/lnmint/lnmint/mint/storage/storagetest"
)

func TestSQLiteMintDB(t *testing.T) {
	storagetest.RunMintDBTests(t, func(t *testing.T) storage.MintDB {
		db, err := InitSQLite(t.TempDir())
		if err != nil {
			t.Fatalf("error setting up sqlite db: %v", err)
		}
		return db
	})
}

func TestMigrationsIdempotent(t *testing.T) {
	dbpath := t.TempDir()

	db, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error setting up sqlite db: %v", err)
	}
	if err := db.SaveSeed([]byte("seed")); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}
	db.Close()

	// opening an existing db should not re-run migrations or lose data
	db, err = InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error reopening sqlite db: %v", err)
	}
	defer db.Close()

	seed, err := db.GetSeed()
	if err != nil {
		t.Fatalf("error getting seed: %v", err)
	}
	if string(seed) != "seed" {
		t.Fatalf("expected seed 'seed' but got '%s'", seed)
	}
}
