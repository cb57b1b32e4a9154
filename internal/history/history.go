// Package history implements the History Store (spec §4.C): an
// append-only, per-(botAccount,user) record of chat turns, readable
// oldest-first and trimmable to a byte budget.
package history

import (
	"context"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// ReadOptions bounds a ReadHistory call.
type ReadOptions struct {
	MaxEntries int // 0 = no entry bound (PGStore still reads at most the 200 most recent rows)
	MaxBytes   int // 0 = unbounded
}

// Store is the capability set every History Store variant exposes.
type Store interface {
	// ReadHistory returns entries for key ordered oldest-first, trimmed
	// from the head (the oldest entries) to satisfy opts' bounds.
	ReadHistory(ctx context.Context, key model.HistoryKey, opts ReadOptions) ([]model.HistoryEntry, error)
	// AppendHistory appends one entry to key's history.
	AppendHistory(ctx context.Context, key model.HistoryKey, entry model.HistoryEntry) error
}

func trimToBudget(entries []model.HistoryEntry, opts ReadOptions) []model.HistoryEntry {
	if opts.MaxEntries > 0 && len(entries) > opts.MaxEntries {
		entries = entries[len(entries)-opts.MaxEntries:]
	}
	if opts.MaxBytes <= 0 {
		return entries
	}
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	start := 0
	for total > opts.MaxBytes && start < len(entries) {
		total -= len(entries[start].Content)
		start++
	}
	return entries[start:]
}
