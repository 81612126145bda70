// Package credits tracks per-workspace credit balances that gate
// ingestion.
package credits

import (
	"context"
	"errors"
)

// ActionAddEpisode is charged once per ingested episode.
const ActionAddEpisode = "addEpisode"

// ErrInsufficientCredits is returned by Deduct when the balance cannot
// cover the action.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Costs maps actions to their price. Unknown actions cost one credit.
var Costs = map[string]int64{
	ActionAddEpisode: 1,
}

func costOf(action string) int64 {
	if c, ok := Costs[action]; ok {
		return c
	}
	return 1
}

// Ledger checks and charges workspace credits.
type Ledger interface {
	HasCredits(ctx context.Context, workspaceID, action string) (bool, error)
	Deduct(ctx context.Context, workspaceID, action string) error
	Grant(ctx context.Context, workspaceID string, amount int64) (int64, error)
	Balance(ctx context.Context, workspaceID string) (int64, error)
}
