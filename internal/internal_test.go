package internal_test

import (
	"os"
	"testing"

	"github.com/vsrdb/vsr/internal"
)

func TestSync(t *testing.T) {
	dir := t.TempDir()
	if err := internal.Sync(dir); err != nil {
		t.Fatal(err)
	}
}

func TestSync_NotExist(t *testing.T) {
	if err := internal.Sync(os.TempDir() + "/vsr-internal-sync-does-not-exist"); err == nil {
		t.Fatal("expected error for missing path")
	}
}
