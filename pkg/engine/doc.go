// Package engine provides the core types and interfaces shared by the
// crafting components.
//
// # Overview
//
// A crafting network turns requests for items into plans and runs those
// plans on crafting clusters. The work is split across packages:
//
//  1. catalog - Index the patterns providers contribute (Catalog, Coordinator)
//  2. scheduler - Compute plans on a worker pool (Scheduler, Future)
//  3. cluster - Admit jobs to clusters and advance them (Registry, Cluster)
//  4. nexus - Bind requester and cluster links (Tracker)
//  5. interest - Notify watchers of stock changes (Manager)
//  6. grid - Drive everything from one tick loop (Grid)
//
// This package holds what they have in common.
//
// # Core Domain Types
//
//   - Fingerprint: The identity of an item type, comparable and usable as a map key
//   - Stack: A fingerprint with a quantity and a craftable marker
//   - Pattern: A recipe with prioritized outputs and inputs
//   - Medium: A provider-local machine able to execute a pattern
//   - Job and Plan: A request and its decomposition into pattern invocations
//   - ActionSource: The player or machine issuing a request
//
// Fingerprints have two notions of equality. Exact equality is ==. Fuzzy
// equality compares FuzzyKey values, which drop the variant of items without
// subtypes and, under FuzzyIgnoreTag, the tag.
//
// # Storage
//
// The engine never keeps item lists. A StorageGrid receives notifications
// about fingerprints whose craftability changed and may register the
// catalog as a CellProvider to list craftable stacks.
//
// # Error Classification
//
// Errors carry a class telling the caller what went wrong:
//
//   - Configuration: Invalid input or setup, never retried
//   - Admission: A cluster refused a job
//   - Computation: Planning failed, was cancelled or panicked
//   - Invariant: Internal consistency was violated
//
// Use the helpers to inspect them:
//
//	if engine.HasCode(err, engine.ErrCodeNoFeasiblePlan) {
//	    // Report the missing items
//	}
//
// Invariant violations are logged. Builds with the craftdebug tag panic
// instead.
package engine
