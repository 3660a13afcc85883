// Package stores provides the SQLite item ledger backing a crafting grid.
//
// The ledger holds stock levels, records every alteration of stored items,
// keeps the craftable set reported by registered cell providers and tracks
// the history of submitted crafting links. Schema changes ship as embedded
// golang-migrate migrations.
package stores
