package core

// router.go – message routing. Chooses the centralized path while the server
// is up, otherwise runs a bounded breadth-first flood over the proximity
// topology. Every non-deferred send appends exactly one block to the
// sender's ledger.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notifier fans fabric events out to observers. The session hub implements
// it; tests plug in a recorder.
type Notifier interface {
	NotifyMessage(msg *Message, senderName string)
	NotifyEvent(ev NetworkEvent)
	NotifyTopology()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyMessage(*Message, string) {}
func (NopNotifier) NotifyEvent(NetworkEvent)       {}
func (NopNotifier) NotifyTopology()                {}

// Router dispatches messages across the fabric.
type Router struct {
	reg    *Registry
	cfg    FabricConfig
	notify Notifier
}

// NewRouter wires a router against the registry.
func NewRouter(reg *Registry, cfg FabricConfig, notify Notifier) *Router {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Router{reg: reg, cfg: cfg, notify: notify}
}

// signingBytes is the canonical form covered by a message signature: the
// identifying and ordering fields with keys sorted, excluding the signature
// itself and anything mutated en route (hops, path).
func signingBytes(m *Message) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":            m.ID,
		"sender_id":     string(m.SenderID),
		"recipient_id":  string(m.RecipientID),
		"message_type":  string(m.Type),
		"content":       m.Content,
		"timestamp":     m.Timestamp.UnixMilli(),
		"lamport_clock": m.LamportClock,
	})
	return data
}

// Send routes one message. Offline senders get their message deferred into
// the node queue; everything else is clocked, sealed, signed, routed,
// appended to the sender's ledger and fanned out to observers.
func (rt *Router) Send(ctx context.Context, senderID, recipientID NodeID, mtype MessageType, content string) (*RouteResult, error) {
	sender, ok := rt.reg.Get(senderID)
	if !ok {
		return nil, fmt.Errorf("unknown sender %s", senderID)
	}

	msg, err := rt.compose(sender, recipientID, mtype, content)
	if err != nil {
		return nil, err
	}

	if !sender.Routable() {
		sender.Queue.Enqueue(msg)
		logrus.Infof("message %s deferred: %s is %s", msg.ID, senderID, sender.Status())
		return &RouteResult{Message: msg, Status: DeliveryDeferred}, nil
	}

	result := &RouteResult{Message: msg}
	var routeErr error
	if rt.reg.ServerOnline() && sender.Status() == StatusOnline {
		result.Path = "centralized"
		routeErr = rt.routeCentralized(ctx, sender, msg, result)
	} else {
		result.Path = "p2p"
		routeErr = rt.routeP2P(ctx, sender, msg, result)
	}
	if routeErr != nil {
		result.Status = DeliveryFailed
	} else {
		result.Status = DeliveryDelivered
	}

	// The send itself is a fact regardless of delivery outcome: exactly one
	// ledger append per non-deferred send.
	if _, err := sender.Ledger.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append %s: %w", msg.ID, err)
	}
	rt.notify.NotifyMessage(msg, sender.Name)

	if routeErr != nil {
		rt.notify.NotifyEvent(NetworkEvent{
			Type:          "delivery_failed",
			Description:   fmt.Sprintf("message %s from %s undeliverable: %v", msg.ID, senderID, routeErr),
			Timestamp:     time.Now(),
			AffectedNodes: []NodeID{senderID},
			Severity:      SeverityWarning,
		})
	}
	return result, routeErr
}

// compose stamps, seals and signs a new message in the sender's critical
// section: the lamport tick and the event it labels are inseparable.
func (rt *Router) compose(sender *Node, recipientID NodeID, mtype MessageType, content string) (*Message, error) {
	lamport := sender.Clock.Tick()
	vclock := sender.BumpVector()

	msg := &Message{
		ID:           uuid.NewString(),
		SenderID:     sender.ID,
		RecipientID:  recipientID,
		Type:         mtype,
		Content:      content,
		Timestamp:    time.Now(),
		LamportClock: lamport,
		VectorClock:  vclock,
		MaxHops:      rt.cfg.MaxHops,
		RoutePath:    []NodeID{sender.ID},
	}

	payload, err := Seal([]byte(content), sender.SymKey)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", msg.ID, err)
	}
	msg.Payload = payload

	sig, err := SignBytes(signingBytes(msg), sender.Keys.Private)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msg.ID, err)
	}
	msg.Signature = sig
	return msg, nil
}

// deliver ingests a message at one recipient: signature check, clock
// regression handling, lamport merge and vector merge. A failed signature
// drops the copy and raises a warning without touching any ledger.
func (rt *Router) deliver(sender, recipient *Node, msg *Message) bool {
	if !VerifyBytes(signingBytes(msg), msg.Signature, sender.Keys.Public) {
		logrus.Warnf("%v: message %s from %s rejected at %s", ErrAuthFailure, msg.ID, sender.ID, recipient.ID)
		rt.notify.NotifyEvent(NetworkEvent{
			Type:          "auth_failure",
			Description:   fmt.Sprintf("signature verification failed for message %s from %s", msg.ID, sender.ID),
			Timestamp:     time.Now(),
			AffectedNodes: []NodeID{sender.ID, recipient.ID},
			Severity:      SeverityWarning,
		})
		return false
	}
	if msg.LamportClock <= recipient.Clock.Value() {
		logrus.Warnf("%v: message %s clock %d at or below %s clock %d, re-stamping",
			ErrClockRegression, msg.ID, msg.LamportClock, recipient.ID, recipient.Clock.Value())
	}
	recipient.Clock.Observe(msg.LamportClock)
	recipient.ReceiveVector(msg.VectorClock)
	return true
}

// routeCentralized is the O(1) server path.
func (rt *Router) routeCentralized(ctx context.Context, sender *Node, msg *Message, result *RouteResult) error {
	msg.RoutePath = []NodeID{CentralServerID}
	if err := sleepCtx(ctx, rt.cfg.HopLatency/2); err != nil {
		return err
	}

	if msg.RecipientID != "" {
		recipient, ok := rt.reg.Get(msg.RecipientID)
		if !ok {
			return fmt.Errorf("%w: unknown recipient %s", ErrRouteUnreachable, msg.RecipientID)
		}
		if recipient.Status() == StatusOffline {
			return fmt.Errorf("%w: recipient %s offline", ErrRouteUnreachable, msg.RecipientID)
		}
		if rt.deliver(sender, recipient, msg) {
			result.Delivered = append(result.Delivered, recipient.ID)
		}
		return nil
	}

	for _, n := range rt.reg.List() {
		if n.ID == sender.ID || n.Status() == StatusOffline {
			continue
		}
		if rt.deliver(sender, n, msg) {
			result.Delivered = append(result.Delivered, n.ID)
		}
	}
	return nil
}

// routeP2P floods breadth-first over the proximity topology. The visited set
// gives at-most-once handling per node; the hop budget bounds propagation.
// Directed sends record the actual relay chain to the recipient; broadcasts
// and unreached sends record the visit order.
func (rt *Router) routeP2P(ctx context.Context, sender *Node, msg *Message, result *RouteResult) error {
	visited := map[NodeID]bool{sender.ID: true}
	parent := map[NodeID]NodeID{}
	visitOrder := []NodeID{sender.ID}
	frontier := []*Node{sender}
	found := false

	hops := 0
	for hops < msg.MaxHops && len(frontier) > 0 && !found {
		var next []*Node
		for _, cur := range frontier {
			for _, peer := range rt.reg.Neighbors(cur.ID) {
				if visited[peer.ID] {
					continue
				}
				visited[peer.ID] = true
				parent[peer.ID] = cur.ID
				visitOrder = append(visitOrder, peer.ID)
				next = append(next, peer)
				if msg.RecipientID != "" && peer.ID == msg.RecipientID {
					found = true
				}
			}
		}
		frontier = next
		hops++
	}
	msg.HopCount = hops

	if err := sleepCtx(ctx, time.Duration(hops)*rt.cfg.HopLatency); err != nil {
		return err
	}

	if msg.RecipientID != "" {
		if !found {
			msg.RoutePath = visitOrder
			return fmt.Errorf("%w: no p2p path from %s to %s within %d hops",
				ErrRouteUnreachable, sender.ID, msg.RecipientID, msg.MaxHops)
		}
		// Reconstruct the relay chain sender -> ... -> recipient.
		var chain []NodeID
		for id := msg.RecipientID; ; id = parent[id] {
			chain = append([]NodeID{id}, chain...)
			if id == sender.ID {
				break
			}
		}
		msg.RoutePath = chain
		recipient, _ := rt.reg.Get(msg.RecipientID)
		if rt.deliver(sender, recipient, msg) {
			result.Delivered = append(result.Delivered, recipient.ID)
		}
		return nil
	}

	msg.RoutePath = visitOrder
	for _, id := range visitOrder[1:] {
		peer, _ := rt.reg.Get(id)
		if rt.deliver(sender, peer, msg) {
			result.Delivered = append(result.Delivered, id)
		}
	}
	if len(result.Delivered) == 0 {
		return fmt.Errorf("%w: no reachable peers from %s", ErrRouteUnreachable, sender.ID)
	}
	return nil
}

// FlushQueue re-sends everything a node authored while offline. Called by
// the fault controller once the node has rejoined.
func (rt *Router) FlushQueue(ctx context.Context, id NodeID) int {
	node, ok := rt.reg.Get(id)
	if !ok || !node.Routable() {
		return 0
	}
	pending := node.Queue.Drain()
	for _, msg := range pending {
		if _, err := rt.Send(ctx, msg.SenderID, msg.RecipientID, msg.Type, msg.Content); err != nil {
			logrus.Warnf("flush %s: resend %s: %v", id, msg.ID, err)
		}
	}
	if len(pending) > 0 {
		logrus.Infof("flushed %d deferred messages for %s", len(pending), id)
	}
	return len(pending)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
