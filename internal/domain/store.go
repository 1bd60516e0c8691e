package domain

import "context"

// OrderStore persists every order the bot posts.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, exchangeID string, status OrderStatus) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// WindowStore persists the outcome of each traded window.
type WindowStore interface {
	Save(ctx context.Context, res WindowResult) error
}
