/*
Package domain contains the core domain models of the sochen orchestration engine.

It defines the workflow record that providers read and the router mutates, the
delta a provider returns, and the events sent to observers. This package is kept
pure and free of I/O or persistence, following Hexagonal Architecture principles.

# Key Entities

  - WorkflowState: Canonical progress of one task (files, findings, changes, transcript, history).
  - Step: Immutable audit record of one router iteration.
  - Delta: Partial update produced by a capability provider and merged by the ledger.
  - Event: Status message streamed to session observers.
*/
package domain
