package core

// runtime.go – explicit fabric runtime. One value constructed at process
// init and handed to workers; its lifecycle is bound to the process. No
// package-level singletons.

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// NodeSpec describes one roster entry used to provision the fabric.
type NodeSpec struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Rank     string   `json:"rank" yaml:"rank"`
	Unit     string   `json:"unit" yaml:"unit"`
	Position Position `json:"position" yaml:"position"`
}

// Fabric bundles the wired components of a running instance.
type Fabric struct {
	Config     FabricConfig
	Registry   *Registry
	Router     *Router
	Hub        *Hub
	Controller *Controller
	Resync     *Resync
}

// NewFabric provisions the roster and wires registry, router, hub, fault
// controller and resync engine together. walDir, when non-empty, gives every
// node an append-only block log under it.
func NewFabric(cfg FabricConfig, roster []NodeSpec, walDir string) (*Fabric, error) {
	reg := NewRegistry(cfg.P2PRange)
	hub := NewHub(cfg, reg)
	router := NewRouter(reg, cfg, hub)
	resync := NewResync(reg, cfg, hub)
	controller := NewController(reg, router, resync, hub)
	hub.Attach(router, controller, resync)

	for _, spec := range roster {
		ledgerCfg := LedgerConfig{Difficulty: cfg.Difficulty}
		if walDir != "" {
			ledgerCfg.WALPath = filepath.Join(walDir, spec.ID+".wal")
		}
		node, err := NewNode(NodeID(spec.ID), spec.Name, spec.Rank, spec.Unit, spec.Position, ledgerCfg)
		if err != nil {
			return nil, err
		}
		if err := reg.AddNode(node); err != nil {
			return nil, err
		}
	}

	return &Fabric{
		Config:     cfg,
		Registry:   reg,
		Router:     router,
		Hub:        hub,
		Controller: controller,
		Resync:     resync,
	}, nil
}

// Serve runs the session hub until the listener fails or Shutdown is called.
func (f *Fabric) Serve() error {
	return f.Hub.Serve(f.Config.Bind)
}

// Shutdown cancels scheduled recoveries, tears down sessions and closes
// every ledger, all within the given bound.
func (f *Fabric) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	f.Controller.CancelRecoveries()
	err := f.Hub.Shutdown(ctx)
	for _, n := range f.Registry.List() {
		if cerr := n.Ledger.Close(); cerr != nil {
			logrus.Warnf("close ledger %s: %v", n.ID, cerr)
		}
	}
	return err
}
