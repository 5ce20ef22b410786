package core

// block.go – block construction, canonical hashing, proof-of-work mining and
// chain validation for the per-node ledgers.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// miningCheckInterval is how many nonce iterations pass between cancellation
// checks while mining.
const miningCheckInterval = 100000

// GenesisPreviousHash links the first block of every ledger.
const GenesisPreviousHash = zeroHash

//---------------------------------------------------------------------
// Canonical serialisation
//---------------------------------------------------------------------

// canonicalTxJSON renders a transaction with keys sorted lexicographically,
// numbers as integers and binary fields as lowercase hex. Maps marshal with
// sorted keys, which gives the canonical ordering for free.
func canonicalTxJSON(tx Transaction) []byte {
	data, _ := json.Marshal(map[string]any{
		"message_id":    tx.MessageID,
		"sender_id":     string(tx.SenderID),
		"recipient_id":  string(tx.RecipientID),
		"message_type":  string(tx.Type),
		"content":       tx.Content,
		"timestamp":     tx.Timestamp,
		"lamport_clock": tx.LamportClock,
		"signature":     tx.Signature,
	})
	return data
}

// canonicalBlockJSON renders the hashed form of a block: every field except
// block_hash, keys sorted.
func canonicalBlockJSON(b *Block) []byte {
	txs := make([]json.RawMessage, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = canonicalTxJSON(tx)
	}
	data, _ := json.Marshal(map[string]any{
		"block_number":  b.Number,
		"previous_hash": b.PreviousHash,
		"merkle_root":   b.MerkleRoot,
		"timestamp":     b.Timestamp,
		"nonce":         b.Nonce,
		"difficulty":    b.Difficulty,
		"node_id":       string(b.NodeID),
		"transactions":  txs,
	})
	return data
}

// ComputeBlockHash returns the canonical SHA-256 hash of the block with the
// stored block_hash excluded.
func ComputeBlockHash(b *Block) string {
	return HashHex(canonicalBlockJSON(b))
}

//---------------------------------------------------------------------
// Construction & mining
//---------------------------------------------------------------------

// NewBlock assembles an unmined block over the given transactions.
func NewBlock(number uint64, prevHash string, txs []Transaction, difficulty int, node NodeID) *Block {
	return &Block{
		Number:       number,
		PreviousHash: prevHash,
		MerkleRoot:   MerkleRoot(txs),
		Timestamp:    time.Now().UnixMilli(),
		Difficulty:   difficulty,
		NodeID:       node,
		Transactions: txs,
	}
}

// Mine searches for a nonce whose canonical hash carries the difficulty
// prefix. The loop observes ctx at least every hundred thousand iterations
// so shutdown is never blocked behind a mining run.
func Mine(ctx context.Context, b *Block) error {
	target := strings.Repeat("0", b.Difficulty)
	start := time.Now()
	for nonce := uint64(0); ; nonce++ {
		if nonce%miningCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining cancelled: %w", err)
			}
		}
		b.Nonce = nonce
		hash := ComputeBlockHash(b)
		if strings.HasPrefix(hash, target) {
			b.Hash = hash
			logrus.Debugf("mined block %d for %s in %s (nonce=%d)", b.Number, b.NodeID, time.Since(start), nonce)
			return nil
		}
	}
}

//---------------------------------------------------------------------
// Validation
//---------------------------------------------------------------------

// ValidateBlock checks a single block: stored hash equals the recomputed
// canonical hash, the hash satisfies the proof-of-work prefix, and the
// Merkle root matches the transaction set.
func ValidateBlock(b *Block) error {
	if got := ComputeBlockHash(b); got != b.Hash {
		return fmt.Errorf("%w: block %d hash mismatch", ErrLedgerCorruption, b.Number)
	}
	if !strings.HasPrefix(b.Hash, strings.Repeat("0", b.Difficulty)) {
		return fmt.Errorf("%w: block %d fails difficulty %d", ErrLedgerCorruption, b.Number, b.Difficulty)
	}
	if got := MerkleRoot(b.Transactions); got != b.MerkleRoot {
		return fmt.Errorf("%w: block %d merkle root mismatch", ErrLedgerCorruption, b.Number)
	}
	return nil
}

// ValidateChain checks hash linkage and numbering across the whole chain.
// Genesis must carry the all-zero previous hash and number 0.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}
	if blocks[0].Number != 0 {
		return fmt.Errorf("%w: genesis block_number %d", ErrLedgerCorruption, blocks[0].Number)
	}
	if blocks[0].PreviousHash != GenesisPreviousHash {
		return fmt.Errorf("%w: genesis previous_hash %s", ErrLedgerCorruption, blocks[0].PreviousHash)
	}
	for i, b := range blocks {
		if err := ValidateBlock(b); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if b.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: broken link at block_number=%d", ErrLedgerCorruption, b.Number)
		}
		if b.Number != prev.Number+1 {
			return fmt.Errorf("%w: non-sequential block_number=%d", ErrLedgerCorruption, b.Number)
		}
	}
	return nil
}

// TxFromMessage converts a routed message into its on-chain form.
func TxFromMessage(m *Message) Transaction {
	return Transaction{
		MessageID:    m.ID,
		SenderID:     m.SenderID,
		RecipientID:  m.RecipientID,
		Type:         m.Type,
		Content:      m.Content,
		Timestamp:    m.Timestamp.UnixMilli(),
		LamportClock: m.LamportClock,
		Signature:    m.Signature,
	}
}

// MessageFromTx rebuilds the message view of an on-chain transaction. Used
// by the resync engine when pulling blocks from an authoritative peer.
func MessageFromTx(tx Transaction) *Message {
	return &Message{
		ID:           tx.MessageID,
		SenderID:     tx.SenderID,
		RecipientID:  tx.RecipientID,
		Type:         tx.Type,
		Content:      tx.Content,
		Timestamp:    time.UnixMilli(tx.Timestamp),
		LamportClock: tx.LamportClock,
		Signature:    tx.Signature,
	}
}
