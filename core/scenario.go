package core

// scenario.go – the fault & recovery controller. Drives simulated server
// failure, node dropout/recovery and partitions, and triggers the resync
// engine. The controller is the sole status writer outside of resync; every
// state change is followed by a topology broadcast.

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scenario names accepted over the wire.
const (
	ScenarioServerFailure    = "server_failure"
	ScenarioServerRecovery   = "server_recovery"
	ScenarioNodeDropout      = "node_dropout"
	ScenarioNetworkPartition = "network_partition"
	ScenarioFullDemo         = "full_demo"
)

// maxEventHistory bounds the in-memory event log.
const maxEventHistory = 256

// Controller owns scenario execution and the network event history.
type Controller struct {
	reg    *Registry
	router *Router
	resync *Resync
	notify Notifier

	mu         sync.Mutex
	rng        *rand.Rand
	events     []NetworkEvent
	recoveries map[NodeID]context.CancelFunc

	// recoveryDelay picks how long a dropped node stays down. Overridable
	// in tests; defaults to uniform 10-30s.
	recoveryDelay func() time.Duration
}

// NewController wires the fault controller.
func NewController(reg *Registry, router *Router, resync *Resync, notify Notifier) *Controller {
	if notify == nil {
		notify = NopNotifier{}
	}
	c := &Controller{
		reg:        reg,
		router:     router,
		resync:     resync,
		notify:     notify,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		recoveries: make(map[NodeID]context.CancelFunc),
	}
	c.recoveryDelay = func() time.Duration {
		c.mu.Lock()
		defer c.mu.Unlock()
		return 10*time.Second + time.Duration(c.rng.Int63n(int64(20*time.Second)))
	}
	return c
}

// Run executes a named scenario. Scenarios are idempotent against their own
// completion: re-running one that already holds returns ErrScenarioConflict
// and changes nothing.
func (c *Controller) Run(ctx context.Context, scenario string) error {
	switch scenario {
	case ScenarioServerFailure:
		return c.ServerFailure()
	case ScenarioServerRecovery:
		return c.ServerRecovery(ctx)
	case ScenarioNodeDropout:
		return c.NodeDropout(ctx)
	case ScenarioNetworkPartition:
		return c.NetworkPartition()
	case ScenarioFullDemo:
		return c.FullDemo(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
}

//---------------------------------------------------------------------
// Server failure / recovery
//---------------------------------------------------------------------

// ServerFailure marks the central server down and pushes every ONLINE node
// into P2P fallback.
func (c *Controller) ServerFailure() error {
	if !c.reg.ServerOnline() {
		return fmt.Errorf("%w: server already down", ErrScenarioConflict)
	}
	c.reg.SetServerOnline(false)
	var affected []NodeID
	for _, n := range c.reg.List() {
		if n.Status() == StatusOnline {
			if err := c.reg.Transition(n.ID, StatusP2POnly); err == nil {
				affected = append(affected, n.ID)
			}
		}
	}
	c.recordEvent(NetworkEvent{
		Type:          ScenarioServerFailure,
		Description:   "central communication server has failed, switching to P2P mode",
		Timestamp:     time.Now(),
		AffectedNodes: affected,
		Severity:      SeverityCritical,
	})
	c.notify.NotifyTopology()
	logrus.Warn("server failure simulated, fabric in P2P fallback")
	return nil
}

// ServerRecovery marks the server up, walks P2P_ONLY nodes through
// RECONNECTING, runs the resync engine and settles them ONLINE.
func (c *Controller) ServerRecovery(ctx context.Context) error {
	if c.reg.ServerOnline() {
		return fmt.Errorf("%w: server already up", ErrScenarioConflict)
	}
	c.reg.SetServerOnline(true)
	c.reg.HealPartition()

	var reconnecting []NodeID
	for _, n := range c.reg.List() {
		if n.Status() == StatusP2POnly {
			if err := c.reg.Transition(n.ID, StatusReconnecting); err == nil {
				reconnecting = append(reconnecting, n.ID)
			}
		}
	}
	c.notify.NotifyTopology()

	if _, err := c.resync.Run(ctx); err != nil {
		logrus.Warnf("recovery resync: %v", err)
	}

	for _, id := range reconnecting {
		if err := c.reg.Transition(id, StatusOnline); err != nil {
			logrus.Warnf("recovery transition %s: %v", id, err)
		}
	}
	c.recordEvent(NetworkEvent{
		Type:          ScenarioServerRecovery,
		Description:   "central server recovered, network synchronized",
		Timestamp:     time.Now(),
		AffectedNodes: reconnecting,
		Severity:      SeverityInfo,
	})
	c.notify.NotifyTopology()
	logrus.Info("server recovery complete")
	return nil
}

//---------------------------------------------------------------------
// Node dropout / recovery
//---------------------------------------------------------------------

// NodeDropout drops one routable node picked uniformly at random and
// schedules its recovery after a uniform delay.
func (c *Controller) NodeDropout(ctx context.Context) error {
	var eligible []*Node
	for _, n := range c.reg.List() {
		if n.Routable() {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return fmt.Errorf("%w: no routable nodes to drop", ErrScenarioConflict)
	}
	c.mu.Lock()
	victim := eligible[c.rng.Intn(len(eligible))]
	c.mu.Unlock()
	return c.DropNode(ctx, victim.ID)
}

// DropNode forces a specific node OFFLINE and schedules its recovery.
func (c *Controller) DropNode(ctx context.Context, id NodeID) error {
	node, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	if err := c.reg.Transition(id, StatusOffline); err != nil {
		return err
	}
	c.recordEvent(NetworkEvent{
		Type:          ScenarioNodeDropout,
		Description:   fmt.Sprintf("%s (%s) has gone offline", node.Name, node.Rank),
		Timestamp:     time.Now(),
		AffectedNodes: []NodeID{id},
		Severity:      SeverityWarning,
	})
	c.notify.NotifyTopology()
	c.scheduleRecovery(ctx, id, c.recoveryDelay())
	return nil
}

// scheduleRecovery arms a cancellable timer that brings a node back. A
// second drop of the same node replaces any armed timer.
func (c *Controller) scheduleRecovery(ctx context.Context, id NodeID, delay time.Duration) {
	rctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.recoveries[id]; ok {
		prev()
	}
	c.recoveries[id] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.recoveries, id)
			c.mu.Unlock()
		}()
		if err := sleepCtx(rctx, delay); err != nil {
			return
		}
		if err := c.RecoverNode(rctx, id); err != nil {
			logrus.Warnf("scheduled recovery %s: %v", id, err)
		}
	}()
}

// RecoverNode walks a node OFFLINE -> RECONNECTING -> ONLINE/P2P_ONLY,
// running a per-node resync in between and flushing its offline queue.
func (c *Controller) RecoverNode(ctx context.Context, id NodeID) error {
	node, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	if node.Status() != StatusOffline {
		return fmt.Errorf("%w: %s is not offline", ErrScenarioConflict, id)
	}
	if err := c.reg.Transition(id, StatusReconnecting); err != nil {
		return err
	}
	c.notify.NotifyTopology()

	if err := c.resync.SyncNode(ctx, id); err != nil {
		logrus.Warnf("rejoin resync %s: %v", id, err)
	}

	target := StatusP2POnly
	if c.reg.ServerOnline() {
		target = StatusOnline
	}
	if err := c.reg.Transition(id, target); err != nil {
		return err
	}
	c.router.FlushQueue(ctx, id)

	c.recordEvent(NetworkEvent{
		Type:          "node_recovery",
		Description:   fmt.Sprintf("%s has reconnected to the network", node.Name),
		Timestamp:     time.Now(),
		AffectedNodes: []NodeID{id},
		Severity:      SeverityInfo,
	})
	c.notify.NotifyTopology()
	return nil
}

// CancelRecoveries aborts all armed recovery timers. Called on shutdown.
func (c *Controller) CancelRecoveries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.recoveries {
		cancel()
		delete(c.recoveries, id)
	}
}

//---------------------------------------------------------------------
// Partition
//---------------------------------------------------------------------

// NetworkPartition splits the fabric into two roughly equal groups. Within
// each group adjacency keeps working; across groups routing fails until the
// partition is lifted by server recovery. A forced sync does not lift it.
func (c *Controller) NetworkPartition() error {
	if c.reg.Partitioned() {
		return fmt.Errorf("%w: partition already active", ErrScenarioConflict)
	}
	a, b := c.reg.Partition()
	c.recordEvent(NetworkEvent{
		Type:          ScenarioNetworkPartition,
		Description:   fmt.Sprintf("network partitioned: %d vs %d nodes", len(a), len(b)),
		Timestamp:     time.Now(),
		AffectedNodes: append(append([]NodeID{}, a...), b...),
		Severity:      SeverityCritical,
	})
	c.notify.NotifyTopology()
	return nil
}

//---------------------------------------------------------------------
// Scripted demo
//---------------------------------------------------------------------

// FullDemo runs the scripted failure sequence: wait, server failure, wait,
// node dropout, wait, server recovery, wait, completion event.
func (c *Controller) FullDemo(ctx context.Context) error {
	c.recordEvent(NetworkEvent{
		Type:        "demo_start",
		Description: "starting full battlefield communication demo",
		Timestamp:   time.Now(),
		Severity:    SeverityInfo,
	})

	steps := []struct {
		wait time.Duration
		run  func() error
	}{
		{3 * time.Second, func() error { return c.ServerFailure() }},
		{5 * time.Second, func() error { return c.NodeDropout(ctx) }},
		{8 * time.Second, func() error { return c.ServerRecovery(ctx) }},
		{3 * time.Second, nil},
	}
	for _, step := range steps {
		if err := sleepCtx(ctx, step.wait); err != nil {
			return err
		}
		if step.run == nil {
			continue
		}
		if err := step.run(); err != nil {
			logrus.Warnf("demo step: %v", err)
		}
	}

	c.recordEvent(NetworkEvent{
		Type:        "demo_complete",
		Description: "battlefield communication demo completed",
		Timestamp:   time.Now(),
		Severity:    SeverityInfo,
	})
	return nil
}

//---------------------------------------------------------------------
// Event history
//---------------------------------------------------------------------

// recordEvent appends to the bounded history and broadcasts the event once.
func (c *Controller) recordEvent(ev NetworkEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	if len(c.events) > maxEventHistory {
		c.events = c.events[len(c.events)-maxEventHistory:]
	}
	c.mu.Unlock()
	c.notify.NotifyEvent(ev)
}

// Events returns a copy of the recorded event history.
func (c *Controller) Events() []NetworkEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NetworkEvent, len(c.events))
	copy(out, c.events)
	return out
}
