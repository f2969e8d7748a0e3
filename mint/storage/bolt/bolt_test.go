package bolt

import (
	"testing"

	"github.com/lnmint/lnmint/mint/storage"
	"github.com/lnmint/lnmint/mint/storage/storagetest"
)

func TestBoltMintDB(t *testing.T) {
	storagetest.RunMintDBTests(t, func(t *testing.T) storage.MintDB {
		db, err := InitBolt(t.TempDir())
		if err != nil {
			t.Fatalf("error setting up bolt db: %v", err)
		}
		return db
	})
}
