package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestController(t *testing.T, positions map[NodeID]Position) (*Controller, *Registry, *recorder) {
	t.Helper()
	reg := newTestRegistry(t, positions)
	rec := &recorder{}
	cfg := testCfg()
	router := NewRouter(reg, cfg, rec)
	resync := NewResync(reg, cfg, rec)
	c := NewController(reg, router, resync, rec)
	c.recoveryDelay = func() time.Duration { return 10 * time.Millisecond }
	return c, reg, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

//-------------------------------------------------------------
// Server failure & recovery
//-------------------------------------------------------------

func TestServerFailureSwitchesToP2P(t *testing.T) {
	c, reg, rec := newTestController(t, map[NodeID]Position{"a": {}, "b": {X: 50}})

	if err := c.ServerFailure(); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if reg.ServerOnline() {
		t.Fatalf("server still marked up")
	}
	for _, n := range reg.List() {
		if n.Status() != StatusP2POnly {
			t.Fatalf("node %s status %s want p2p_only", n.ID, n.Status())
		}
	}
	if !rec.hasEvent(ScenarioServerFailure) {
		t.Fatalf("no failure event")
	}
	for _, ev := range rec.events {
		if ev.Type == ScenarioServerFailure && ev.Severity != SeverityCritical {
			t.Fatalf("failure severity %s", ev.Severity)
		}
	}
	if rec.topo == 0 {
		t.Fatalf("topology not rebroadcast after state change")
	}
}

func TestServerFailureIdempotent(t *testing.T) {
	c, reg, rec := newTestController(t, map[NodeID]Position{"a": {}})
	if err := c.ServerFailure(); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	events := len(rec.eventTypes())

	if err := c.ServerFailure(); !errors.Is(err, ErrScenarioConflict) {
		t.Fatalf("want ErrScenarioConflict, got %v", err)
	}
	if len(rec.eventTypes()) != events {
		t.Fatalf("no-op scenario emitted events")
	}
	if reg.ServerOnline() {
		t.Fatalf("state changed by no-op")
	}
}

func TestServerRecoveryResyncsAndRestores(t *testing.T) {
	c, reg, rec := newTestController(t, map[NodeID]Position{"a": {}, "b": {X: 50}})
	if err := c.ServerFailure(); err != nil {
		t.Fatalf("failure: %v", err)
	}

	// Authored during the outage: recovery must spread it.
	a, _ := reg.Get("a")
	offlineAuthored(t, a, "outage-1", 3, "holding position")

	if err := c.ServerRecovery(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if !reg.ServerOnline() {
		t.Fatalf("server still down")
	}
	for _, n := range reg.List() {
		if n.Status() != StatusOnline {
			t.Fatalf("node %s status %s want online", n.ID, n.Status())
		}
	}
	b, _ := reg.Get("b")
	if !b.Ledger.HasMessage("outage-1") {
		t.Fatalf("outage block not merged on recovery")
	}
	if !rec.hasEvent(ScenarioServerRecovery) || !rec.hasEvent("resync_complete") {
		t.Fatalf("recovery events missing: %v", rec.eventTypes())
	}

	// Recovery of an already-up server is a no-op.
	if err := c.ServerRecovery(context.Background()); !errors.Is(err, ErrScenarioConflict) {
		t.Fatalf("want ErrScenarioConflict, got %v", err)
	}
}

//-------------------------------------------------------------
// Node dropout & scheduled recovery
//-------------------------------------------------------------

func TestDropNodeSchedulesRecovery(t *testing.T) {
	c, reg, rec := newTestController(t, map[NodeID]Position{"a": {}, "b": {X: 50}})
	ctx := context.Background()

	if err := c.DropNode(ctx, "b"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	b, _ := reg.Get("b")
	if b.Status() != StatusOffline {
		t.Fatalf("status %s want offline", b.Status())
	}
	if !rec.hasEvent(ScenarioNodeDropout) {
		t.Fatalf("no dropout event")
	}

	waitFor(t, 2*time.Second, func() bool { return b.Status() == StatusOnline })
	if !rec.hasEvent("node_recovery") {
		t.Fatalf("no recovery event")
	}
}

func TestNodeRecoveryFollowsServerState(t *testing.T) {
	c, reg, _ := newTestController(t, map[NodeID]Position{"a": {}, "b": {X: 50}})
	if err := c.ServerFailure(); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := c.DropNode(context.Background(), "b"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	b, _ := reg.Get("b")
	waitFor(t, 2*time.Second, func() bool { return b.Status() == StatusP2POnly })
}

func TestNodeDropoutNeedsVictims(t *testing.T) {
	c, reg, _ := newTestController(t, map[NodeID]Position{"a": {}})
	a, _ := reg.Get("a")
	a.setStatus(StatusOffline)
	if err := c.NodeDropout(context.Background()); !errors.Is(err, ErrScenarioConflict) {
		t.Fatalf("want ErrScenarioConflict, got %v", err)
	}
}

func TestCancelRecoveries(t *testing.T) {
	c, reg, _ := newTestController(t, map[NodeID]Position{"a": {}, "b": {X: 50}})
	c.recoveryDelay = func() time.Duration { return time.Hour }
	if err := c.DropNode(context.Background(), "b"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	c.CancelRecoveries()
	time.Sleep(20 * time.Millisecond)
	b, _ := reg.Get("b")
	if b.Status() != StatusOffline {
		t.Fatalf("cancelled recovery still ran")
	}
}

//-------------------------------------------------------------
// Partition
//-------------------------------------------------------------

func TestNetworkPartitionScenario(t *testing.T) {
	c, reg, rec := newTestController(t, map[NodeID]Position{
		"a": {}, "b": {X: 10}, "c": {X: 20}, "d": {X: 30},
	})
	if err := c.NetworkPartition(); err != nil {
		t.Fatalf("partition: %v", err)
	}
	if !reg.Partitioned() {
		t.Fatalf("partition not active")
	}
	if !rec.hasEvent(ScenarioNetworkPartition) {
		t.Fatalf("no partition event")
	}
	if err := c.NetworkPartition(); !errors.Is(err, ErrScenarioConflict) {
		t.Fatalf("want ErrScenarioConflict, got %v", err)
	}

	// Server recovery lifts the partition.
	reg.SetServerOnline(false)
	if err := c.ServerRecovery(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if reg.Partitioned() {
		t.Fatalf("partition survived recovery")
	}
}

//-------------------------------------------------------------
// Demo script & dispatch
//-------------------------------------------------------------

func TestFullDemoHonoursCancellation(t *testing.T) {
	c, _, _ := newTestController(t, map[NodeID]Position{"a": {}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := c.FullDemo(ctx); err == nil {
		t.Fatalf("cancelled demo returned nil")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled demo kept sleeping")
	}
}

func TestRunDispatch(t *testing.T) {
	c, _, _ := newTestController(t, map[NodeID]Position{"a": {}})
	if err := c.Run(context.Background(), "orbital_strike"); err == nil {
		t.Fatalf("unknown scenario accepted")
	}
	if err := c.Run(context.Background(), ScenarioServerFailure); err != nil {
		t.Fatalf("dispatch failure scenario: %v", err)
	}
}
