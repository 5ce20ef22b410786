package core

import (
	"errors"
	"testing"
)

//-------------------------------------------------------------
// Status machine
//-------------------------------------------------------------

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    NodeStatus
		to      NodeStatus
		allowed bool
	}{
		{"OnlineToP2P", StatusOnline, StatusP2POnly, true},
		{"OnlineToOffline", StatusOnline, StatusOffline, true},
		{"P2PToOnline", StatusP2POnly, StatusOnline, true},
		{"P2PToReconnecting", StatusP2POnly, StatusReconnecting, true},
		{"OfflineToReconnecting", StatusOffline, StatusReconnecting, true},
		{"ReconnectingToOnline", StatusReconnecting, StatusOnline, true},
		{"ReconnectingToP2P", StatusReconnecting, StatusP2POnly, true},
		{"OfflineToOnlineDirect", StatusOffline, StatusOnline, false},
		{"ReconnectingToOffline", StatusReconnecting, StatusOffline, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := newTestRegistry(t, map[NodeID]Position{"n1": {}})
			n, _ := reg.Get("n1")
			n.setStatus(tc.from)
			err := reg.Transition("n1", tc.to)
			if tc.allowed && err != nil {
				t.Fatalf("transition %s->%s rejected: %v", tc.from, tc.to, err)
			}
			if !tc.allowed && err == nil {
				t.Fatalf("transition %s->%s accepted", tc.from, tc.to)
			}
		})
	}
}

func TestTransitionToSameStatusConflicts(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{"n1": {}})
	if err := reg.Transition("n1", StatusOnline); !errors.Is(err, ErrScenarioConflict) {
		t.Fatalf("want ErrScenarioConflict, got %v", err)
	}
}

func TestDuplicateNodeRejected(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{"n1": {}})
	if err := reg.AddNode(newTestNode(t, "n1", 0, 0)); err == nil {
		t.Fatalf("duplicate id accepted")
	}
}

//-------------------------------------------------------------
// Adjacency
//-------------------------------------------------------------

func TestAdjacency(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{
		"a": {X: 0, Y: 0},
		"b": {X: 150, Y: 0},
		"c": {X: 500, Y: 0},
	})
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	c, _ := reg.Get("c")

	if !reg.Adjacent(a, b) {
		t.Fatalf("a-b within range not adjacent")
	}
	if reg.Adjacent(a, c) {
		t.Fatalf("a-c out of range adjacent")
	}
	if reg.Adjacent(a, a) {
		t.Fatalf("self adjacency")
	}

	// An offline node never appears in anyone's reachable set.
	b.setStatus(StatusOffline)
	if reg.Adjacent(a, b) {
		t.Fatalf("offline node still adjacent")
	}
	for _, n := range reg.Neighbors("a") {
		if n.ID == "b" {
			t.Fatalf("offline node in neighbor set")
		}
	}
}

func TestAdjacencyAcrossPartition(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{
		"a": {X: 0, Y: 0},
		"b": {X: 50, Y: 0},
		"c": {X: 100, Y: 0},
		"d": {X: 150, Y: 0},
	})
	groupA, groupB := reg.Partition()
	if len(groupA) != 2 || len(groupB) != 2 {
		t.Fatalf("uneven split %d vs %d", len(groupA), len(groupB))
	}

	a, _ := reg.Get("a") // sorted: a,b in group 0; c,d in group 1
	b, _ := reg.Get("b")
	c, _ := reg.Get("c")
	if !reg.Adjacent(a, b) {
		t.Fatalf("same-side adjacency broken by partition")
	}
	if reg.Adjacent(b, c) {
		t.Fatalf("cross-partition adjacency survived")
	}

	reg.HealPartition()
	if !reg.Adjacent(b, c) {
		t.Fatalf("adjacency not restored after heal")
	}
}

//-------------------------------------------------------------
// Network mode & topology snapshot
//-------------------------------------------------------------

func TestNetworkMode(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{"a": {}, "b": {X: 100}})
	if got := reg.NetworkMode(); got != StateCentralized {
		t.Fatalf("mode %s want centralized", got)
	}

	reg.SetServerOnline(false)
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	a.setStatus(StatusP2POnly)
	b.setStatus(StatusP2POnly)
	if got := reg.NetworkMode(); got != StateP2PFallback {
		t.Fatalf("mode %s want p2p_fallback", got)
	}

	reg.Partition()
	if got := reg.NetworkMode(); got != StateDegraded {
		t.Fatalf("mode %s want degraded", got)
	}
	reg.HealPartition()

	a.setStatus(StatusOffline)
	b.setStatus(StatusOffline)
	if got := reg.NetworkMode(); got != StateIsolated {
		t.Fatalf("mode %s want isolated", got)
	}
}

func TestBuildTopology(t *testing.T) {
	reg := newTestRegistry(t, map[NodeID]Position{
		"a": {X: 0, Y: 0},
		"b": {X: 100, Y: 0},
	})

	t.Run("Centralized", func(t *testing.T) {
		topo := BuildTopology(reg)
		if !topo.ServerOnline || topo.NetworkState != StateCentralized {
			t.Fatalf("state %+v", topo)
		}
		if len(topo.Connections) != 2 {
			t.Fatalf("connections %d want 2 server links", len(topo.Connections))
		}
		for _, c := range topo.Connections {
			if c.From != string(CentralServerID) || c.Type != "centralized" || c.Strength != 100 {
				t.Fatalf("bad server edge %+v", c)
			}
		}
		if n := topo.Nodes["a"]; n.Status != "online" || n.LamportClock != 0 {
			t.Fatalf("node snapshot %+v", n)
		}
	})

	t.Run("P2PStrength", func(t *testing.T) {
		reg.SetServerOnline(false)
		for _, id := range []NodeID{"a", "b"} {
			n, _ := reg.Get(id)
			n.setStatus(StatusP2POnly)
		}
		topo := BuildTopology(reg)
		if len(topo.Connections) != 1 {
			t.Fatalf("connections %d want 1 p2p edge", len(topo.Connections))
		}
		edge := topo.Connections[0]
		if edge.Type != "p2p" || edge.Distance == nil || *edge.Distance != 100 {
			t.Fatalf("bad p2p edge %+v", edge)
		}
		// 100 - (100/200)*80 = 60
		if edge.Strength != 60 {
			t.Fatalf("strength %f want 60", edge.Strength)
		}
	})
}

func TestConnectionStrengthFloor(t *testing.T) {
	if got := connectionStrength(200, 200); got != 20 {
		t.Fatalf("edge-of-range strength %f want 20", got)
	}
	if got := connectionStrength(0, 200); got != 100 {
		t.Fatalf("zero-distance strength %f want 100", got)
	}
}
