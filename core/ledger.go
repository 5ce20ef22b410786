package core

// ledger.go – per-node append-only chain with optional WAL persistence.
// The hash chain is the source of truth; the WAL is only a replay log of
// newline-delimited canonical JSON blocks.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLedger initialises a ledger for the given node, replaying an existing
// WAL when one is configured. The WAL file is closed again if replay fails.
func NewLedger(node NodeID, cfg LedgerConfig) (l *Ledger, err error) {
	l = &Ledger{
		node:       node,
		difficulty: cfg.Difficulty,
		lastHash:   GenesisPreviousHash,
	}
	if cfg.WALPath == "" {
		return l, nil
	}

	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()

	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var blk Block
		if err = json.Unmarshal(scanner.Bytes(), &blk); err != nil {
			return nil, fmt.Errorf("%w: WAL unmarshal: %v", ErrLedgerCorruption, err)
		}
		l.blocks = append(l.blocks, &blk)
		l.lastHash = blk.Hash
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan: %w", err)
	}
	if err = ValidateChain(l.blocks); err != nil {
		return nil, err
	}
	l.walFile = wal
	if len(l.blocks) > 0 {
		logrus.Infof("ledger %s replayed %d blocks from WAL", node, len(l.blocks))
	}
	return l, nil
}

// AppendMessage mines the message into the next block and appends it. The
// per-ledger lock serialises appends; mining runs inside the critical
// section so block numbers and hash links can never interleave.
func (l *Ledger) AppendMessage(ctx context.Context, msg *Message) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	block := NewBlock(uint64(len(l.blocks)), l.lastHash, []Transaction{TxFromMessage(msg)}, l.difficulty, l.node)
	if err := Mine(ctx, block); err != nil {
		return nil, err
	}
	if err := l.persist(block); err != nil {
		return nil, err
	}
	l.blocks = append(l.blocks, block)
	l.lastHash = block.Hash

	logrus.WithFields(logrus.Fields{
		"node":    l.node,
		"block":   block.Number,
		"hash":    block.Hash[:16],
		"message": msg.ID,
		"lamport": msg.LamportClock,
	}).Info("block appended")
	return block, nil
}

func (l *Ledger) persist(block *Block) error {
	if l.walFile == nil {
		return nil
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	if _, err := l.walFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write WAL: %w", err)
	}
	_ = l.walFile.Sync()
	return nil
}

// MessagesSince returns the blocks stamped at or after t, in insertion order.
// Block timestamps are whole milliseconds, so a t inside a millisecond is
// rounded up to the next one before comparing.
func (l *Ledger) MessagesSince(t time.Time) []*Block {
	cutoff := t.UnixMilli()
	if t.After(time.UnixMilli(cutoff)) {
		cutoff++
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Block
	for _, b := range l.blocks {
		if b.Timestamp >= cutoff {
			out = append(out, b)
		}
	}
	return out
}

// Chain returns a snapshot of the full chain.
func (l *Ledger) Chain() []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Height returns the number of blocks in the ledger.
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// LastBlockHash returns the hash of the last block, or the zero hash when
// the ledger is empty.
func (l *Ledger) LastBlockHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// HasMessage reports whether a message id is already on-chain. Resync uses
// it for missing-block detection and replay suppression.
func (l *Ledger) HasMessage(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.blocks {
		for _, tx := range b.Transactions {
			if tx.MessageID == id {
				return true
			}
		}
	}
	return false
}

// Validate runs full chain validation end-to-end.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ValidateChain(l.blocks)
}

// Close releases the WAL file if one is open.
func (l *Ledger) Close() error {
	if l == nil || l.walFile == nil {
		return nil
	}
	return l.walFile.Close()
}
