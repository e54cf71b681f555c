// Package maintenance implements the Maintenance Gate (spec §4.4): a thin
// wrapper over the persisted maintenance-window table that answers
// whether a host is currently suppressed, and exposes the start/end/status
// operations the HTTP surface needs.
//
// No donor analog exists for this; it is new, trivial glue over
// internal/store.
package maintenance

import (
	"context"

	"github.com/potatorick/jarvis/internal/models"
)

// Store is the persistence this gate needs — satisfied by internal/store.DB.
type Store interface {
	StartMaintenanceWindow(ctx context.Context, host, reason string) error
	EndMaintenanceWindow(ctx context.Context, host string) error
	ActiveMaintenanceWindow(ctx context.Context, host string) (*models.MaintenanceWindow, error)
}

// Gate answers maintenance-suppression questions for the Planner and
// drives the start/end HTTP handlers.
type Gate struct {
	store Store
}

// New builds a Gate over a Store.
func New(store Store) *Gate {
	return &Gate{store: store}
}

// Start opens a maintenance window for host (or "all").
func (g *Gate) Start(ctx context.Context, host, reason string) error {
	return g.store.StartMaintenanceWindow(ctx, host, reason)
}

// End closes the maintenance window for host.
func (g *Gate) End(ctx context.Context, host string) error {
	return g.store.EndMaintenanceWindow(ctx, host)
}

// Status returns the active window for host, or nil if none is active.
func (g *Gate) Status(ctx context.Context, host string) (*models.MaintenanceWindow, error) {
	return g.store.ActiveMaintenanceWindow(ctx, host)
}
