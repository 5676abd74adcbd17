package buntree

import (
	"context"

	"github.com/kartikbazzad/bunbase/buntree/internal/prometrics"
)

// Disconnect schedules operations the server runs when this client's
// session drops. A handle is scoped to the path of the Reference that
// created it.
type Disconnect struct {
	db   *Database
	path string
}

// Set schedules a write of value at the path on disconnect.
func (d *Disconnect) Set(ctx context.Context, value any) error {
	env, err := envelope(value)
	if err != nil {
		return err
	}
	err = mapTransportError(d.db.transport.Disconnect(ctx, d.path, "set", env))
	prometrics.IncOp("disconnect_set", err)
	return err
}

// Update schedules a merge of value's children at the path on disconnect.
func (d *Disconnect) Update(ctx context.Context, value map[string]any) error {
	norm, err := normalizeValue(value)
	if err != nil {
		return err
	}
	err = mapTransportError(d.db.transport.Disconnect(ctx, d.path, "update", norm))
	prometrics.IncOp("disconnect_update", err)
	return err
}

// Remove schedules a delete of the path on disconnect.
func (d *Disconnect) Remove(ctx context.Context) error {
	err := mapTransportError(d.db.transport.Disconnect(ctx, d.path, "remove", nil))
	prometrics.IncOp("disconnect_remove", err)
	return err
}

// Cancel clears every operation scheduled for the path.
func (d *Disconnect) Cancel(ctx context.Context) error {
	err := mapTransportError(d.db.transport.Disconnect(ctx, d.path, "cancel", nil))
	prometrics.IncOp("disconnect_cancel", err)
	return err
}
