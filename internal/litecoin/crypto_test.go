package litecoin

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestAssembleHeaderLayout(t *testing.T) {
	prev := "000000000000000000000000000000000000000000000000000000000000abcd"
	merkle := "00000000000000000000000000000000000000000000000000000000000012ef"

	header, err := AssembleHeader("20000000", prev, merkle, "5a54a978", "00bc614e", "1d00ffff")
	if err != nil {
		t.Fatalf("AssembleHeader() error = %v", err)
	}
	if len(header) != 80 {
		t.Fatalf("header length = %d, want 80", len(header))
	}

	if got := binary.LittleEndian.Uint32(header[0:4]); got != 0x20000000 {
		t.Errorf("version = %08x, want 20000000", got)
	}
	if got := binary.LittleEndian.Uint32(header[68:72]); got != 0x5a54a978 {
		t.Errorf("ntime = %08x, want 5a54a978", got)
	}
	if got := binary.LittleEndian.Uint32(header[72:76]); got != 0x1d00ffff {
		t.Errorf("nbits = %08x, want 1d00ffff", got)
	}
	if got := binary.LittleEndian.Uint32(header[76:80]); got != 0x00bc614e {
		t.Errorf("nonce = %08x, want 00bc614e", got)
	}

	// Hashes are serialized little-endian: the display string's trailing
	// bytes come first.
	if header[4] != 0xcd || header[5] != 0xab {
		t.Errorf("prev hash not little-endian: % x", header[4:8])
	}
}

func TestAssembleHeaderRejectsBadFields(t *testing.T) {
	prev := "000000000000000000000000000000000000000000000000000000000000abcd"
	merkle := prev

	tests := []struct {
		name                         string
		version, ntime, nonce, nbits string
	}{
		{"short version", "2000", "5a54a978", "00bc614e", "1d00ffff"},
		{"non-hex ntime", "20000000", "zzzzzzzz", "00bc614e", "1d00ffff"},
		{"long nonce", "20000000", "5a54a978", "00bc614e00", "1d00ffff"},
		{"empty nbits", "20000000", "5a54a978", "00bc614e", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AssembleHeader(tt.version, prev, merkle, tt.ntime, tt.nonce, tt.nbits); err == nil {
				t.Error("AssembleHeader() should reject malformed field")
			}
		})
	}
}

func TestPowHashDeterministic(t *testing.T) {
	header := make([]byte, 80)
	for i := range header {
		header[i] = byte(i)
	}

	h1, err := PowHash(header)
	if err != nil {
		t.Fatalf("PowHash() error = %v", err)
	}
	h2, err := PowHash(header)
	if err != nil {
		t.Fatalf("PowHash() error = %v", err)
	}
	if h1 != h2 {
		t.Error("PowHash must be deterministic")
	}

	header[79] ^= 0xff
	h3, err := PowHash(header)
	if err != nil {
		t.Fatalf("PowHash() error = %v", err)
	}
	if h1 == h3 {
		t.Error("different nonce should produce a different pow hash")
	}
}

func TestPowHashRejectsWrongLength(t *testing.T) {
	if _, err := PowHash(make([]byte, 79)); err == nil {
		t.Error("PowHash should reject non-80-byte headers")
	}
}

func TestDifficultyToTarget(t *testing.T) {
	d1 := DifficultyToTarget(1)
	if d1.Cmp(diff1Target) != 0 {
		t.Errorf("difficulty 1 target = %x, want diff1", d1)
	}

	d16 := DifficultyToTarget(16)
	expected := new(big.Int).Div(diff1Target, big.NewInt(16))
	if d16.Cmp(expected) != 0 {
		t.Errorf("difficulty 16 target = %x, want diff1/16", d16)
	}

	// Higher difficulty means a smaller (harder) target.
	if DifficultyToTarget(32).Cmp(d16) >= 0 {
		t.Error("difficulty 32 target should be below difficulty 16 target")
	}
}

func TestHashMeetsTarget(t *testing.T) {
	target := DifficultyToTarget(16)

	var easy chainhash.Hash // all zero, trivially meets any target
	if !HashMeetsTarget(easy, target) {
		t.Error("zero hash should meet every target")
	}

	var hard chainhash.Hash
	for i := range hard {
		hard[i] = 0xff
	}
	if HashMeetsTarget(hard, target) {
		t.Error("max hash should not meet a difficulty 16 target")
	}
}

func TestHashDifficultyInverse(t *testing.T) {
	// A hash exactly at the difficulty 16 boundary achieves difficulty ~16.
	boundary := DifficultyToTarget(16)
	var h chainhash.Hash
	b := boundary.Bytes()
	// Store big-endian bytes reversed into the little-endian hash.
	for i, v := range b {
		h[len(b)-1-i] = v
	}

	got := HashDifficulty(h)
	if got < 15.99 || got > 16.01 {
		t.Errorf("HashDifficulty(boundary) = %v, want ~16", got)
	}
}

func TestFoldMerkleBranchEmpty(t *testing.T) {
	cb, err := CoinbaseHash("01000000", "aa11bb22", "00000001", "ffffffff")
	if err != nil {
		t.Fatalf("CoinbaseHash() error = %v", err)
	}

	root, err := FoldMerkleBranch(cb, nil)
	if err != nil {
		t.Fatalf("FoldMerkleBranch() error = %v", err)
	}
	if root != cb {
		t.Error("empty branch should leave the coinbase hash as root")
	}
}

func TestFoldMerkleBranchCombines(t *testing.T) {
	cb, err := CoinbaseHash("01000000", "aa11bb22", "00000001", "ffffffff")
	if err != nil {
		t.Fatalf("CoinbaseHash() error = %v", err)
	}

	node := bytes.Repeat([]byte{0xab}, 32)
	root, err := FoldMerkleBranch(cb, []string{"abababababababababababababababababababababababababababababababab"})
	if err != nil {
		t.Fatalf("FoldMerkleBranch() error = %v", err)
	}

	// Root must equal double-sha256(coinbase || node).
	buf := make([]byte, 64)
	copy(buf[:32], cb[:])
	copy(buf[32:], node)
	want := chainhash.DoubleHashH(buf)
	if root != want {
		t.Errorf("root = %v, want %v", root, want)
	}
}

func TestFoldMerkleBranchRejectsBadNode(t *testing.T) {
	var cb chainhash.Hash
	if _, err := FoldMerkleBranch(cb, []string{"zz"}); err == nil {
		t.Error("FoldMerkleBranch should reject malformed nodes")
	}
}

func TestCoinbaseHashRejectsBadHex(t *testing.T) {
	if _, err := CoinbaseHash("01", "xx", "00", "ff"); err == nil {
		t.Error("CoinbaseHash should reject non-hex input")
	}
}

func TestReverseHex(t *testing.T) {
	got := reverseHex([]byte{0x01, 0x02, 0x03})
	if got != "030201" {
		t.Errorf("reverseHex = %q, want 030201", got)
	}
}
