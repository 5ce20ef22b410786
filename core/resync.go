package core

// resync.go – the resync engine. Runs on server recovery, node rejoin or an
// explicit force_sync: merges ledgers across the reachable subgraph,
// resolves ordering conflicts deterministically and advances every
// participant's lamport clock past the maximum of its reachable group. Blocks already
// present are never mutated or reordered; conflict resolution only produces
// new records.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// duplicateEpsilon is the wall-clock window within which two same-content
// sends from one sender count as a duplicate rather than a repeat.
const duplicateEpsilon = 2 * time.Second

// SyncReport summarises one resync pass.
type SyncReport struct {
	Participants int
	Merged       int           // blocks pulled into some ledger
	Duplicates   int           // records dropped as duplicates
	Conflicts    int           // concurrent non-duplicates kept ordered
	Order        []Transaction // resolved total order, (lamport, sender_id)
}

// syncRecord is one ledger entry staged for reconciliation.
type syncRecord struct {
	origin *Node
	block  *Block
	txIdx  int
	tx     Transaction
}

// Resync reconciles per-node ledgers after connectivity is restored.
type Resync struct {
	reg    *Registry
	cfg    FabricConfig
	notify Notifier
}

// NewResync wires the engine against the registry.
func NewResync(reg *Registry, cfg FabricConfig, notify Notifier) *Resync {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Resync{reg: reg, cfg: cfg, notify: notify}
}

// Run reconciles every reachable group of participants within the engine's
// deadline. Under an active partition each side syncs independently; the
// fabric stays consistent within each reachable subgraph.
func (rs *Resync) Run(ctx context.Context) (*SyncReport, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.cfg.ResyncTimeout)
	defer cancel()

	total := &SyncReport{}
	for _, group := range rs.participantGroups() {
		report, err := rs.syncGroup(ctx, group)
		if err != nil {
			logrus.Warnf("resync group: %v", err)
			continue
		}
		total.Participants += report.Participants
		total.Merged += report.Merged
		total.Duplicates += report.Duplicates
		total.Conflicts += report.Conflicts
		total.Order = append(total.Order, report.Order...)
	}

	rs.notify.NotifyEvent(NetworkEvent{
		Type: "resync_complete",
		Description: fmt.Sprintf("resynchronized %d nodes: %d blocks merged, %d duplicates dropped, %d conflicts ordered",
			total.Participants, total.Merged, total.Duplicates, total.Conflicts),
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
	})
	rs.notify.NotifyTopology()
	return total, nil
}

// SyncNode reconciles a single rejoining node against its reachable peers.
func (rs *Resync) SyncNode(ctx context.Context, id NodeID) error {
	ctx, cancel := context.WithTimeout(ctx, rs.cfg.ResyncTimeout)
	defer cancel()

	node, ok := rs.reg.Get(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	var group []*Node
	for _, n := range rs.reg.List() {
		if n.ID == id || rs.syncEligible(n) {
			group = append(group, n)
		}
	}
	report, err := rs.reconcile(ctx, group, []*Node{node})
	if err != nil {
		return err
	}
	logrus.Infof("node %s resynced: %d blocks merged", id, report.Merged)
	return nil
}

func (rs *Resync) syncEligible(n *Node) bool {
	switch n.Status() {
	case StatusOnline, StatusP2POnly, StatusReconnecting:
		return true
	default:
		return false
	}
}

// participantGroups returns the reachable subgraphs taking part in a full
// resync: one group normally, one per side under an active partition.
func (rs *Resync) participantGroups() [][]*Node {
	byGroup := make(map[int][]*Node)
	for _, n := range rs.reg.List() {
		if !rs.syncEligible(n) {
			continue
		}
		key := 0
		if rs.reg.Partitioned() {
			key = n.partitionID()
		}
		byGroup[key] = append(byGroup[key], n)
	}
	keys := make([]int, 0, len(byGroup))
	for k := range byGroup {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([][]*Node, 0, len(byGroup))
	for _, k := range keys {
		out = append(out, byGroup[k])
	}
	return out
}

func (rs *Resync) syncGroup(ctx context.Context, group []*Node) (*SyncReport, error) {
	return rs.reconcile(ctx, group, group)
}

// reconcile collects the recent window from every source node, resolves
// duplicates and conflicts, pulls missing records into each target node and
// advances the group's clocks.
func (rs *Resync) reconcile(ctx context.Context, sources, targets []*Node) (*SyncReport, error) {
	cutoff := time.Now().Add(-rs.cfg.ResyncWindow)
	report := &SyncReport{Participants: len(targets)}

	var records []syncRecord
	for _, n := range sources {
		for _, b := range n.Ledger.MessagesSince(cutoff) {
			for i, tx := range b.Transactions {
				records = append(records, syncRecord{origin: n, block: b, txIdx: i, tx: tx})
			}
		}
	}

	dropped := rs.resolveConflicts(records, report)

	// Deterministic total order: (lamport_clock, sender_id), message id as
	// the final stable key. Property: two independent resyncs over the same
	// records produce identical orderings.
	kept := records[:0]
	seen := make(map[string]bool)
	for _, r := range records {
		if dropped[r.tx.MessageID] || seen[r.tx.MessageID] {
			continue
		}
		seen[r.tx.MessageID] = true
		kept = append(kept, r)
	}
	sort.Slice(kept, func(i, j int) bool {
		a, b := kept[i].tx, kept[j].tx
		if a.LamportClock != b.LamportClock {
			return a.LamportClock < b.LamportClock
		}
		if a.SenderID != b.SenderID {
			return a.SenderID < b.SenderID
		}
		return a.MessageID < b.MessageID
	})
	for _, r := range kept {
		report.Order = append(report.Order, r.tx)
	}

	// Pull missing records into each target, rebuilding hashes locally.
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			logrus.Warnf("resync deadline reached, %s carries over", target.ID)
			break
		}
		merged, err := rs.pullMissing(ctx, target, kept)
		if err != nil {
			// Per-pair best effort: one failing target never blocks the rest.
			logrus.Warnf("resync pull into %s: %v", target.ID, err)
			continue
		}
		report.Merged += merged
	}

	// Clock advance: every participant jumps past the group maximum.
	var lmax uint64
	for _, n := range sources {
		if v := n.Clock.Value(); v > lmax {
			lmax = v
		}
	}
	for _, n := range targets {
		n.Clock.Advance(lmax + 1)
	}
	return report, nil
}

// resolveConflicts classifies concurrent records. Duplicates (same sender,
// recipient and content inside the epsilon window) are dropped keeping the
// lexicographically first message id; concurrent edits to the same recipient
// are both kept and counted, ordered later by (lamport, sender).
func (rs *Resync) resolveConflicts(records []syncRecord, report *SyncReport) map[string]bool {
	dropped := make(map[string]bool)
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			a, b := records[i].tx, records[j].tx
			if a.MessageID == b.MessageID {
				continue
			}
			delta := time.Duration(a.Timestamp-b.Timestamp) * time.Millisecond
			if delta < 0 {
				delta = -delta
			}
			switch {
			case a.SenderID == b.SenderID && a.RecipientID == b.RecipientID &&
				a.Content == b.Content && delta <= duplicateEpsilon:
				// Duplicate: keep one deterministically, drop the other.
				loser := a.MessageID
				if b.MessageID > a.MessageID {
					loser = b.MessageID
				}
				if !dropped[loser] {
					dropped[loser] = true
					report.Duplicates++
				}
			case a.LamportClock == b.LamportClock && a.SenderID != b.SenderID &&
				a.RecipientID == b.RecipientID && a.Content != b.Content:
				// Concurrent edit: keep both, the total order settles it.
				report.Conflicts++
			}
		}
	}
	return dropped
}

// pullMissing appends every record the target does not hold yet, after
// checking the record's inclusion proof against its source block.
func (rs *Resync) pullMissing(ctx context.Context, target *Node, kept []syncRecord) (int, error) {
	merged := 0
	for _, r := range kept {
		if target.Ledger.HasMessage(r.tx.MessageID) {
			continue
		}
		proof, root, err := MerkleInclusionProof(r.block.Transactions, r.txIdx)
		if err != nil || root != r.block.MerkleRoot || !VerifyMerklePath(r.block.MerkleRoot, r.tx, proof, r.txIdx) {
			logrus.Warnf("%v: block %d from %s fails inclusion proof, skipping",
				ErrLedgerCorruption, r.block.Number, r.origin.ID)
			continue
		}
		if _, err := target.Ledger.AppendMessage(ctx, MessageFromTx(r.tx)); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// Quarantine marks a node with a corrupt ledger for rebuild: the node drops
// to RECONNECTING and a fresh SyncNode pass pulls history back from peers.
func (rs *Resync) Quarantine(ctx context.Context, id NodeID) error {
	node, ok := rs.reg.Get(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	if err := node.Ledger.Validate(); err == nil {
		return fmt.Errorf("%w: ledger %s is valid", ErrScenarioConflict, id)
	}
	if node.Status() != StatusReconnecting {
		if err := rs.reg.Transition(id, StatusReconnecting); err != nil {
			return err
		}
	}
	rs.notify.NotifyEvent(NetworkEvent{
		Type:          "ledger_quarantine",
		Description:   fmt.Sprintf("ledger corruption detected on %s, rebuilding from peers", id),
		Timestamp:     time.Now(),
		AffectedNodes: []NodeID{id},
		Severity:      SeverityCritical,
	})
	return rs.SyncNode(ctx, id)
}
