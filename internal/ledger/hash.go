package ledger

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// HashSize is the digest width in bytes. SHA-512 is used for long-horizon
// tamper resistance; legal retention periods run to decades.
const HashSize = sha512.Size

// SentinelHash is the well-known previous-hash of every genesis block
// (height 0). It anchors each chain; all later hashes chain from real
// digests.
var SentinelHash = strings.Repeat("0", HashSize*2)

// ComputeHash computes a block's content hash: SHA-512 over the fixed-order
// tuple (chainKey, height, previousHash, canonicalPayload). Field boundaries
// are unambiguous because chainKey is NUL-terminated, height is fixed-width,
// and prevHash has a fixed hex length.
func ComputeHash(key ChainKey, height uint64, prevHash string, canonicalPayload []byte) string {
	h := sha512.New()
	h.Write([]byte(key.String()))
	h.Write([]byte{0})

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	h.Write(hb[:])

	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateLink reports whether block correctly extends prev. For a genesis
// block pass prev == nil: the check is then height == 0 and the sentinel
// previous-hash. prevContentHash is the hash to link against — callers on
// verification paths pass the independently recomputed hash of prev, not the
// stored one, so a corrupted predecessor also fails its successor's link.
func ValidateLink(block *Block, prev *Block, prevContentHash string) bool {
	if prev == nil {
		return block.Height == 0 && block.PrevHash == SentinelHash
	}
	return block.Height == prev.Height+1 && block.PrevHash == prevContentHash
}

// DecodeHash decodes a hex content hash into raw digest bytes, as consumed
// by the signing capability.
func DecodeHash(hexHash string) ([]byte, error) {
	b, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, err
	}
	return b, nil
}
