package core

// registry.go – node registry, status machine and proximity topology.
// The fault controller is the sole status writer outside of resync; the
// router and session hub only read. Adjacency is recomputed lazily on each routing decision or
// topology query.

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Node accessors
//---------------------------------------------------------------------

// NewNode provisions a node with fresh key material, an empty ledger and
// zeroed clocks.
func NewNode(id NodeID, name, rank, unit string, pos Position, ledgerCfg LedgerConfig) (*Node, error) {
	keys, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	symKey, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(id, ledgerCfg)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return &Node{
		ID:       id,
		Name:     name,
		Rank:     rank,
		Unit:     unit,
		Position: pos,
		Keys:     keys,
		SymKey:   symKey,
		Clock:    &LamportClock{},
		Ledger:   ledger,
		Queue:    NewOfflineQueue(),
		status:   StatusOnline,
		lastSeen: time.Now(),
		vclock:   make(VectorClock),
	}, nil
}

// Status returns the node's current connectivity state.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// LastSeen returns the time of the node's last observed transition.
func (n *Node) LastSeen() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSeen
}

// Routable reports whether the node can currently originate or relay
// traffic.
func (n *Node) Routable() bool {
	s := n.Status()
	return s == StatusOnline || s == StatusP2POnly
}

// VectorSnapshot returns a copy of the node's vector clock.
func (n *Node) VectorSnapshot() VectorClock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vclock.Copy()
}

// BumpVector increments the node's own vector component and returns the new
// snapshot. Called in the same critical section as the send it labels.
func (n *Node) BumpVector() VectorClock {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vclock[n.ID]++
	return n.vclock.Copy()
}

// ReceiveVector merges a remote snapshot with the element-wise max rule and
// a self-increment.
func (n *Node) ReceiveVector(remote VectorClock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vclock.Receive(n.ID, remote)
}

func (n *Node) setStatus(s NodeStatus) {
	n.mu.Lock()
	n.status = s
	n.lastSeen = time.Now()
	n.mu.Unlock()
}

func (n *Node) setPartition(p int) {
	n.mu.Lock()
	n.partition = p
	n.mu.Unlock()
}

func (n *Node) partitionID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partition
}

//---------------------------------------------------------------------
// Registry
//---------------------------------------------------------------------

// Registry tracks every node, the central server flag and the active
// partition. Readers take the shared lock; the fault controller and the
// resync engine are the only writers.
type Registry struct {
	mu           sync.RWMutex
	nodes        map[NodeID]*Node
	serverOnline bool
	partitioned  bool
	p2pRange     float64
}

// NewRegistry creates a registry with the server marked up.
func NewRegistry(p2pRange float64) *Registry {
	return &Registry{
		nodes:        make(map[NodeID]*Node),
		serverOnline: true,
		p2pRange:     p2pRange,
	}
}

// AddNode registers a node. Node ids are unique; re-registering is an error.
func (r *Registry) AddNode(n *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already registered", n.ID)
	}
	r.nodes[n.ID] = n
	logrus.Infof("node %s (%s, %s) joined the fabric", n.Name, n.Rank, n.ID)
	return nil
}

// Get returns a node by id.
func (r *Registry) Get(id NodeID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// List returns all nodes sorted by id for deterministic iteration.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerOnline reports the central server flag.
func (r *Registry) ServerOnline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serverOnline
}

// SetServerOnline flips the central server flag.
func (r *Registry) SetServerOnline(up bool) {
	r.mu.Lock()
	r.serverOnline = up
	r.mu.Unlock()
}

// P2PRange returns the adjacency radius.
func (r *Registry) P2PRange() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.p2pRange
}

//---------------------------------------------------------------------
// Status machine
//---------------------------------------------------------------------

// validTransitions maps each status to the set it may move to. RECONNECTING
// resolves to ONLINE or P2P_ONLY only after resync completes. ONLINE may
// drop straight to RECONNECTING when a corrupt ledger quarantines the node.
var validTransitions = map[NodeStatus][]NodeStatus{
	StatusOnline:       {StatusP2POnly, StatusOffline, StatusReconnecting},
	StatusP2POnly:      {StatusOnline, StatusOffline, StatusReconnecting},
	StatusOffline:      {StatusReconnecting},
	StatusReconnecting: {StatusOnline, StatusP2POnly},
}

// Transition moves a node through the status machine, rejecting edges the
// machine does not define.
func (r *Registry) Transition(id NodeID, to NodeStatus) error {
	n, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	from := n.Status()
	if from == to {
		return fmt.Errorf("%w: %s already %s", ErrScenarioConflict, id, to)
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid status transition %s: %s -> %s", id, from, to)
	}
	n.setStatus(to)
	logrus.Infof("node %s status %s -> %s", id, from, to)
	return nil
}

//---------------------------------------------------------------------
// Partition control
//---------------------------------------------------------------------

// Partition splits the roster into two roughly equal groups by sorted id.
// Adjacency requires matching group membership while the partition holds.
func (r *Registry) Partition() ([]NodeID, []NodeID) {
	nodes := r.List()
	half := len(nodes) / 2
	var a, b []NodeID
	for i, n := range nodes {
		group := 0
		if i >= half {
			group = 1
			b = append(b, n.ID)
		} else {
			a = append(a, n.ID)
		}
		n.setPartition(group)
	}
	r.mu.Lock()
	r.partitioned = true
	r.mu.Unlock()
	return a, b
}

// HealPartition lifts an active partition.
func (r *Registry) HealPartition() {
	r.mu.Lock()
	was := r.partitioned
	r.partitioned = false
	r.mu.Unlock()
	if !was {
		return
	}
	for _, n := range r.List() {
		n.setPartition(0)
	}
	logrus.Info("network partition healed")
}

// Partitioned reports whether a partition is active.
func (r *Registry) Partitioned() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.partitioned
}

//---------------------------------------------------------------------
// Topology
//---------------------------------------------------------------------

// Distance is the Euclidean distance on the abstract plane.
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Adjacent reports whether two nodes are P2P neighbours: both routable,
// same partition side, and within range of each other.
func (r *Registry) Adjacent(a, b *Node) bool {
	if a.ID == b.ID {
		return false
	}
	if !a.Routable() || !b.Routable() {
		return false
	}
	if r.Partitioned() && a.partitionID() != b.partitionID() {
		return false
	}
	return Distance(a.Position, b.Position) <= r.P2PRange()
}

// Neighbors enumerates the P2P-adjacent peers of a node, sorted by id.
func (r *Registry) Neighbors(id NodeID) []*Node {
	n, ok := r.Get(id)
	if !ok {
		return nil
	}
	var out []*Node
	for _, other := range r.List() {
		if r.Adjacent(n, other) {
			out = append(out, other)
		}
	}
	return out
}

// NetworkMode derives the fabric-wide operating state: centralized while the
// server is up, degraded under an active partition, isolated when nothing is
// routable, p2p_fallback otherwise.
func (r *Registry) NetworkMode() NetworkState {
	if r.ServerOnline() {
		return StateCentralized
	}
	routable := 0
	for _, n := range r.List() {
		if n.Routable() {
			routable++
		}
	}
	switch {
	case routable == 0:
		return StateIsolated
	case r.Partitioned():
		return StateDegraded
	default:
		return StateP2PFallback
	}
}
