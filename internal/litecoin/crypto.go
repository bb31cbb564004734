// Package litecoin provides litecoind connectivity and the proof-of-work
// primitives the pool validates shares with: scrypt hashing, target math,
// header assembly and merkle folding.
package litecoin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/scrypt"
)

// Litecoin scrypt parameters.
const (
	scryptN = 1024
	scryptR = 1
	scryptP = 1
)

// diff1Target is the target corresponding to share difficulty 1.
var diff1Target = func() *big.Int {
	t, _ := new(big.Int).SetString(
		"00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

// PowHash computes the scrypt proof-of-work hash of an 80-byte header.
func PowHash(header []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(header) != 80 {
		return h, fmt.Errorf("header must be 80 bytes, got %d", len(header))
	}

	digest, err := scrypt.Key(header, header, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return h, fmt.Errorf("scrypt failed: %w", err)
	}
	copy(h[:], digest)
	return h, nil
}

// AssembleHeader builds the 80-byte little-endian block header from the job
// fields and the miner-chosen ntime and nonce (both big-endian hex).
func AssembleHeader(version, prevHash, merkleRoot string, ntime, nonce string, nbits string) ([]byte, error) {
	versionInt, err := parseHexUint32(version)
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	ntimeInt, err := parseHexUint32(ntime)
	if err != nil {
		return nil, fmt.Errorf("invalid ntime: %w", err)
	}
	nonceInt, err := parseHexUint32(nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	nbitsInt, err := parseHexUint32(nbits)
	if err != nil {
		return nil, fmt.Errorf("invalid nbits: %w", err)
	}

	prev, err := chainhash.NewHashFromStr(prevHash)
	if err != nil {
		return nil, fmt.Errorf("invalid prev hash: %w", err)
	}
	merkle, err := chainhash.NewHashFromStr(merkleRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid merkle root: %w", err)
	}

	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], versionInt)
	copy(header[4:36], prev[:])
	copy(header[36:68], merkle[:])
	binary.LittleEndian.PutUint32(header[68:72], ntimeInt)
	binary.LittleEndian.PutUint32(header[72:76], nbitsInt)
	binary.LittleEndian.PutUint32(header[76:80], nonceInt)
	return header, nil
}

// CoinbaseHash assembles the serialized coinbase from its two halves and the
// nonce-space parts, and returns its double-SHA256 hash.
func CoinbaseHash(coinb1, extranonce1, extranonce2, coinb2 string) (chainhash.Hash, error) {
	raw, err := hex.DecodeString(coinb1 + extranonce1 + extranonce2 + coinb2)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid coinbase hex: %w", err)
	}
	return chainhash.DoubleHashH(raw), nil
}

// FoldMerkleBranch computes the merkle root from the coinbase hash and the
// job's merkle branch, the way stratum miners do.
func FoldMerkleBranch(coinbaseHash chainhash.Hash, branch []string) (chainhash.Hash, error) {
	root := coinbaseHash
	buf := make([]byte, 64)
	for _, node := range branch {
		nodeBytes, err := hex.DecodeString(node)
		if err != nil || len(nodeBytes) != 32 {
			return chainhash.Hash{}, fmt.Errorf("invalid merkle branch node %q", node)
		}
		copy(buf[:32], root[:])
		copy(buf[32:], nodeBytes)
		root = chainhash.DoubleHashH(buf)
	}
	return root, nil
}

// DifficultyToTarget converts a share difficulty to its hash target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(diff1Target)
	}

	// target = diff1 / difficulty, computed in big.Float for fractional
	// difficulties.
	t := new(big.Float).SetInt(diff1Target)
	t.Quo(t, big.NewFloat(difficulty))
	target, _ := t.Int(nil)
	return target
}

// HashDifficulty returns the share difficulty a pow hash achieved.
func HashDifficulty(powHash chainhash.Hash) float64 {
	hashInt := HashToBig(powHash)
	if hashInt.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).SetInt(diff1Target)
	diff.Quo(diff, new(big.Float).SetInt(hashInt))
	out, _ := diff.Float64()
	return out
}

// HashMeetsTarget reports whether a pow hash satisfies the target.
func HashMeetsTarget(powHash chainhash.Hash, target *big.Int) bool {
	return HashToBig(powHash).Cmp(target) <= 0
}

// HashToBig interprets a hash as a big-endian integer. chainhash stores
// hashes little-endian, so the bytes are reversed.
func HashToBig(h chainhash.Hash) *big.Int {
	buf := make([]byte, chainhash.HashSize)
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = h[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf)
}

func parseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
