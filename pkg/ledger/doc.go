/*
Package ledger is the single writer of workflow state.

Every change goes through ApplyDelta, which loads the current record, merges
the delta (last-write-wins scalars, ordered appends, file upserts, acceptance
moves), bumps the version and persists before returning. Access to one workflow
is serialized with reference-counted in-process locks and, optionally, a
ports.DistributedLocker so several replicas can share a Redis store.
*/
package ledger
