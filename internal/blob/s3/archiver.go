package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// windowRecord is the archived JSON form of a window result.
type windowRecord struct {
	RunID       string    `json:"run_id"`
	Slug        string    `json:"slug"`
	Side        string    `json:"side,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	Bets        int       `json:"bets"`
	TotalShares string    `json:"total_shares"`
	TotalSpent  string    `json:"total_spent"`
	AvgPrice    string    `json:"avg_price"`
	ExitPrice   string    `json:"exit_price"`
	EstPnL      string    `json:"est_pnl"`
	Reason      string    `json:"reason"`
	StartedAt   time.Time `json:"started_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Archiver stores one JSON document per closed window.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
}

// NewArchiver creates an Archiver writing under prefix (default "windows").
// audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "windows"
	}
	return &Archiver{writer: writer, audit: audit, prefix: prefix}
}

// ArchiveWindow uploads res and returns the object path.
func (a *Archiver) ArchiveWindow(ctx context.Context, res domain.WindowResult) (string, error) {
	rec := windowRecord{
		RunID:       res.RunID,
		Slug:        res.Slug,
		Side:        string(res.Side),
		TokenID:     res.TokenID,
		Bets:        res.Bets,
		TotalShares: res.TotalShares.String(),
		TotalSpent:  res.TotalSpent.String(),
		AvgPrice:    res.AvgPrice.StringFixed(4),
		ExitPrice:   res.ExitPrice.String(),
		EstPnL:      res.EstPnL.StringFixed(4),
		Reason:      string(res.Reason),
		StartedAt:   res.StartedAt.UTC(),
		ClosedAt:    res.ClosedAt.UTC(),
	}
	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive window marshal: %w", err)
	}

	path := a.windowPath(res)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive window upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.window", map[string]any{
			"path":   path,
			"slug":   res.Slug,
			"run_id": res.RunID,
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive window audit log: %w", err)
		}
	}
	return path, nil
}

// windowPath partitions archives by the day the window closed:
//
//	windows/2025/02/26/btc-updown-5m-1740560400-<run id>.json
func (a *Archiver) windowPath(res domain.WindowResult) string {
	day := res.ClosedAt
	if day.IsZero() {
		day = time.Now()
	}
	return fmt.Sprintf("%s/%s/%s-%s.json", a.prefix, day.UTC().Format("2006/01/02"), res.Slug, res.RunID)
}
