package memstore

import (
	"testing"

	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}
