package keydb

import (
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
)

// Fill populates store with n bytes of deterministic, non-zero key
// material starting at slot id 1, derived from seed via HKDF-SHA256. This
// exists purely for tests and scenario fixtures (spec §8's end-to-end
// scenarios need both peers' stores preloaded with identical material) —
// production stores are populated by the real key-agreement/injection
// path, not by this function.
func Fill(store *RAMStore, seed []byte, n uint64) error {
	quantum := uint64(store.Quantum())
	if quantum == 0 || n%quantum != 0 {
		return errors.Newf("keydb: fill size %d is not a multiple of quantum %d", n, quantum)
	}
	kdf := hkdf.New(sha256.New, seed, nil, []byte("qkdistill-keydb-fixture"))

	id := uint64(1)
	for filled := uint64(0); filled < n; filled += quantum {
		buf := make([]byte, quantum)
		if _, err := io.ReadFull(kdf, buf); err != nil {
			return errors.Wrap(err, "keydb: derive fixture key material")
		}
		if err := store.Set(id, buf); err != nil {
			return err
		}
		store.SetFlag(id, FlagRealSync)
		id++
	}
	return nil
}
