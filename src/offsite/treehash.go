package offsite

import (
	"crypto/sha256"
	"encoding/hex"
)

// treeLeaf is the leaf size of the Glacier SHA-256 tree hash.
const treeLeaf = 1 << 20

// leafHashes hashes data in 1 MiB leaves. Empty data has one empty leaf.
func leafHashes(data []byte) [][sha256.Size]byte {
	if len(data) == 0 {
		return [][sha256.Size]byte{sha256.Sum256(nil)}
	}
	var out [][sha256.Size]byte
	for len(data) > 0 {
		n := min(len(data), treeLeaf)
		out = append(out, sha256.Sum256(data[:n]))
		data = data[n:]
	}
	return out
}

// treeHash combines leaf hashes pairwise until one remains. An odd hash at
// the end of a level is carried up unchanged.
func treeHash(leaves [][sha256.Size]byte) [sha256.Size]byte {
	level := append([][sha256.Size]byte(nil), leaves...)
	for len(level) > 1 {
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			buf := make([]byte, 0, 2*sha256.Size)
			buf = append(buf, level[i][:]...)
			buf = append(buf, level[i+1][:]...)
			next = append(next, sha256.Sum256(buf))
		}
		level = next
	}
	return level[0]
}

func hexHash(h [sha256.Size]byte) string { return hex.EncodeToString(h[:]) }
