// Package sqlite implements the queue storage interfaces over an embedded
// SQLite database. All cross-process invariants (active-key dedup,
// exactly-one-claim, lease mutual exclusion) are enforced by short immediate
// transactions against the single database file rather than in-process
// locks, which keeps them valid across multiple worker processes.
package sqlite
