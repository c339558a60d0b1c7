package engine

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"

	"github.com/atmx/parimutuel-ledger/internal/ledger"
)

// TxHash identifies a submitted action: SHA3-256 over the caller identity,
// a zero separator, and the canonical payload.
func TxHash(identity ledger.Identity, payload []byte) string {
	h := sha3.New256()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// StateRoot is the SHA3-256 of a committed state encoding.
func StateRoot(committed []byte) string {
	sum := sha3.Sum256(committed)
	return hex.EncodeToString(sum[:])
}

var nonceEnc cbor.EncMode

func init() {
	var err error
	if nonceEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

func encodeNonces(nonces map[ledger.Identity]uint64) ([]byte, error) {
	if len(nonces) == 0 {
		return nil, nil
	}
	return nonceEnc.Marshal(nonces)
}

func decodeNonces(data []byte) (map[ledger.Identity]uint64, error) {
	nonces := make(map[ledger.Identity]uint64)
	if len(data) == 0 {
		return nonces, nil
	}
	if err := cbor.Unmarshal(data, &nonces); err != nil {
		return nil, fmt.Errorf("engine: decode nonces: %w", err)
	}
	return nonces, nil
}
