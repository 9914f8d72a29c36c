/*
Package router implements the orchestration loop.

Each iteration resolves the next provider (falling back to Bootstrap when the
requested one is missing or unknown), invokes it with a snapshot of the
workflow, checks the returned delta against the transition contract and
merges it together with exactly one Step through the ledger. A provider
failure or contract violation halts the workflow in ERROR with a Step that
records the cause; nothing is retried.

Loops run one goroutine per workflow (Submit). Cancellation is observed only
between iterations, never during a provider call.
*/
package router
