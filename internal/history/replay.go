// Package history rebuilds per-field time series from record changelogs and
// derives snapshots and lead times from them.
package history

import (
	"sort"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Replay converts the changelog of record into a FieldHistory.
//
// Blocks are walked newest first. Every item stores its new value at the block
// timestamp and its old value at the record creation timestamp, so the oldest
// block is the last to write the creation slot and the creation entry always
// holds the earliest known value.
func Replay(record domain.Record) domain.FieldHistory {
	changed := domain.FieldHistory{}
	created := record.Created()

	blocks := record.Histories()
	sort.SliceStable(blocks, func(i, j int) bool {
		return timeutil.Compare(blocks[i].Created, blocks[j].Created) > 0
	})

	for _, block := range blocks {
		for _, event := range block.Items {
			changed.Set(event.Field, block.Created, event.To)
			changed.Set(event.Field, created, event.From)
		}
	}
	return changed
}
