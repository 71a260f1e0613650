package p2p

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// CanonicalKeyOrder sorts public keys ascending by their compressed
// serialization. Every participant must apply this exact order so signer
// indices and the aggregate key match across peers.
func CanonicalKeyOrder(keys []*secp256k1.PublicKey) []*secp256k1.PublicKey {
	sorted := make([]*secp256k1.PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].SerializeCompressed(), sorted[j].SerializeCompressed()) < 0
	})
	return sorted
}

// SignerIndexOf returns the position of pub within the canonically ordered
// keys, or -1 if it is not a participant.
func SignerIndexOf(ordered []*secp256k1.PublicKey, pub *secp256k1.PublicKey) int {
	target := pub.SerializeCompressed()
	for i, k := range ordered {
		if bytes.Equal(k.SerializeCompressed(), target) {
			return i
		}
	}
	return -1
}

// ParsePublicKeyHex decodes a hex-encoded compressed secp256k1 public key.
func ParsePublicKeyHex(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return secp256k1.ParsePubKey(raw)
}

// shortID abbreviates a peer id or key for log and error messages.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-6:]
}
