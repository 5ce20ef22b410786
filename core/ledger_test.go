package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T, node NodeID) *Ledger {
	t.Helper()
	l, err := NewLedger(node, LedgerConfig{Difficulty: 1})
	if err != nil {
		t.Fatalf("ledger init: %v", err)
	}
	return l
}

func appendTestMessage(t *testing.T, l *Ledger, id string, lamport uint64, content string) *Block {
	t.Helper()
	b, err := l.AppendMessage(context.Background(), &Message{
		ID:           id,
		SenderID:     l.node,
		Type:         MsgChat,
		Content:      content,
		Timestamp:    time.Now(),
		LamportClock: lamport,
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return b
}

//-------------------------------------------------------------
// Append & chain invariants
//-------------------------------------------------------------

func TestAppendMessageChainsBlocks(t *testing.T) {
	l := testLedger(t, "alpha_1")
	if l.LastBlockHash() != GenesisPreviousHash {
		t.Fatalf("empty ledger last hash %s", l.LastBlockHash())
	}

	b0 := appendTestMessage(t, l, "m1", 1, "first")
	b1 := appendTestMessage(t, l, "m2", 2, "second")
	b2 := appendTestMessage(t, l, "m3", 3, "third")

	if b0.Number != 0 || b1.Number != 1 || b2.Number != 2 {
		t.Fatalf("block numbers %d,%d,%d", b0.Number, b1.Number, b2.Number)
	}
	if b0.PreviousHash != GenesisPreviousHash {
		t.Fatalf("genesis previous hash %s", b0.PreviousHash)
	}
	if b1.PreviousHash != b0.Hash || b2.PreviousHash != b1.Hash {
		t.Fatalf("hash links broken")
	}
	if l.LastBlockHash() != b2.Hash {
		t.Fatalf("last hash not updated")
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !l.HasMessage("m2") || l.HasMessage("missing") {
		t.Fatalf("HasMessage lookup wrong")
	}
}

func TestMessagesSince(t *testing.T) {
	l := testLedger(t, "alpha_1")
	appendTestMessage(t, l, "old", 1, "old")
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	appendTestMessage(t, l, "new1", 2, "new")
	appendTestMessage(t, l, "new2", 3, "newer")

	got := l.MessagesSince(cutoff)
	if len(got) != 2 {
		t.Fatalf("since returned %d blocks want 2", len(got))
	}
	if got[0].Number >= got[1].Number {
		t.Fatalf("insertion order not preserved")
	}
	if all := l.MessagesSince(time.Time{}); len(all) != 3 {
		t.Fatalf("since epoch returned %d want 3", len(all))
	}
}

//-------------------------------------------------------------
// WAL persistence
//-------------------------------------------------------------

func TestWALReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wal := filepath.Join(dir, "alpha_1.wal")

	l, err := NewLedger("alpha_1", LedgerConfig{Difficulty: 1, WALPath: wal})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	appendTestMessage(t, l, "m1", 1, "persisted")
	appendTestMessage(t, l, "m2", 2, "also persisted")
	last := l.LastBlockHash()
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	replayed, err := NewLedger("alpha_1", LedgerConfig{Difficulty: 1, WALPath: wal})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer replayed.Close()
	if replayed.Height() != 2 {
		t.Fatalf("replayed %d blocks want 2", replayed.Height())
	}
	if replayed.LastBlockHash() != last {
		t.Fatalf("replayed last hash mismatch")
	}
	if err := replayed.Validate(); err != nil {
		t.Fatalf("replayed chain invalid: %v", err)
	}
	if !replayed.HasMessage("m1") {
		t.Fatalf("replayed ledger lost m1")
	}
}

func TestWALReplayRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	wal := filepath.Join(dir, "bad.wal")
	writeFile(t, wal, "not a block\n")
	if _, err := NewLedger("alpha_1", LedgerConfig{Difficulty: 1, WALPath: wal}); err == nil {
		t.Fatalf("expected corruption error")
	}
}
