package litecoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// coinbaseSig tags pool-built coinbase transactions.
var coinbaseSig = []byte("/stratum-ltc/")

// MainNetParams carries litecoin mainnet address encoding on top of the
// btcd chain parameters.
var MainNetParams = func() *chaincfg.Params {
	p := chaincfg.MainNetParams
	p.Name = "litecoin"
	p.PubKeyHashAddrID = 0x30
	p.ScriptHashAddrID = 0x32
	p.PrivateKeyID = 0xb0
	p.Bech32HRPSegwit = "ltc"
	return &p
}()

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

// BuildCoinbaseParts builds the coinbase transaction paying the pool
// address and splits its serialization around the extranonce space, giving
// the coinb1/coinb2 halves sent to miners. extranonceSize is the combined
// byte length of extranonce1 and extranonce2.
func BuildCoinbaseParts(blockHeight int64, coinbaseValue int64, poolAddress string, extranonceSize int, chainParams *chaincfg.Params) (string, string, error) {
	if extranonceSize <= 0 {
		return "", "", fmt.Errorf("extranonce size must be positive, got %d", extranonceSize)
	}

	coinbaseTx := wire.NewMsgTx(wire.TxVersion)

	coinbaseInput := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0xffffffff,
		},
		Sequence: 0xffffffff,
	}

	// BIP 34 height prefix.
	heightScript, err := txscript.NewScriptBuilder().AddInt64(blockHeight).Script()
	if err != nil {
		return "", "", fmt.Errorf("failed to create height script: %w", err)
	}

	splitPoint := len(heightScript) + len(coinbaseSig)

	script := make([]byte, 0, splitPoint+extranonceSize)
	script = append(script, heightScript...)
	script = append(script, coinbaseSig...)
	script = append(script, make([]byte, extranonceSize)...)
	coinbaseInput.SignatureScript = script
	coinbaseTx.AddTxIn(coinbaseInput)

	poolAddr, err := btcutil.DecodeAddress(poolAddress, chainParams)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode pool address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(poolAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to create output script: %w", err)
	}

	coinbaseTx.AddTxOut(&wire.TxOut{
		Value:    coinbaseValue,
		PkScript: pkScript,
	})

	buf := getBuffer()
	defer putBuffer(buf)

	if err := coinbaseTx.Serialize(buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	coinbaseBytes := buf.Bytes()

	// Serialized layout: version(4) + input_count(1) + prev_hash(32) +
	// prev_index(4) + script_length(varint) + script + sequence(4) + ...
	scriptStart := 4 + 1 + 32 + 4 + 1
	if len(script) >= 253 {
		scriptStart += 2 // 3-byte varint
	}

	cut := scriptStart + splitPoint
	if cut+extranonceSize > len(coinbaseBytes) {
		return "", "", fmt.Errorf("invalid coinbase split point")
	}

	coinb1 := hex.EncodeToString(coinbaseBytes[:cut])
	coinb2 := hex.EncodeToString(coinbaseBytes[cut+extranonceSize:])
	return coinb1, coinb2, nil
}

// MerkleBranchForCoinbase computes the stratum merkle branch for the
// coinbase position from the non-coinbase transaction hashes, in block
// order. Folding the coinbase hash through the branch yields the merkle
// root.
func MerkleBranchForCoinbase(txHashes []chainhash.Hash) []string {
	var branch []string
	level := txHashes

	for len(level) > 0 {
		branch = append(branch, hex.EncodeToString(level[0][:]))

		rest := level[1:]
		if len(rest) == 0 {
			break
		}

		next := make([]chainhash.Hash, 0, (len(rest)+1)/2)
		buf := make([]byte, 64)
		for i := 0; i < len(rest); i += 2 {
			left := rest[i]
			right := left
			if i+1 < len(rest) {
				right = rest[i+1]
			}
			copy(buf[:32], left[:])
			copy(buf[32:], right[:])
			next = append(next, chainhash.DoubleHashH(buf))
		}
		level = next
	}

	return branch
}

// TemplateTransactions extracts the hashes and raw bytes of the template's
// non-coinbase transactions.
func TemplateTransactions(txs []btcjson.GetBlockTemplateResultTx) ([]chainhash.Hash, [][]byte, error) {
	hashes := make([]chainhash.Hash, 0, len(txs))
	raw := make([][]byte, 0, len(txs))

	for _, tx := range txs {
		hashStr := tx.Hash
		if hashStr == "" {
			hashStr = tx.TxID
		}
		h, err := chainhash.NewHashFromStr(hashStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid template tx hash %q: %w", hashStr, err)
		}
		data, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid template tx data for %s: %w", hashStr, err)
		}
		hashes = append(hashes, *h)
		raw = append(raw, data)
	}

	return hashes, raw, nil
}

// CompactToTarget converts a compact nbits encoding (big-endian hex) to
// the full network target.
func CompactToTarget(nbits string) (*big.Int, error) {
	compact, err := parseHexUint32(nbits)
	if err != nil {
		return nil, fmt.Errorf("invalid nbits: %w", err)
	}
	return blockchain.CompactToBig(compact), nil
}

// BuildBlockHex serializes a solved block from its header, coinbase and
// the template transactions, ready for submitblock.
func BuildBlockHex(header []byte, coinbaseRaw []byte, txs [][]byte) (string, error) {
	if len(header) != 80 {
		return "", fmt.Errorf("header must be 80 bytes, got %d", len(header))
	}

	buf := getBuffer()
	defer putBuffer(buf)

	buf.Write(header)
	if err := wire.WriteVarInt(buf, 0, uint64(len(txs)+1)); err != nil {
		return "", fmt.Errorf("failed to write tx count: %w", err)
	}
	buf.Write(coinbaseRaw)
	for _, tx := range txs {
		buf.Write(tx)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}
