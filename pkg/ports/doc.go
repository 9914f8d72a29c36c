/*
Package ports defines the driven ports (interfaces) for the sochen engine.

These interfaces decouple the router and ledger from external implementations,
allowing the engine to work with various storage backends, lock services,
capability providers and embedding services.

# Key Interfaces

  - WorkflowStore: Persists and loads WorkflowState documents.
  - DistributedLocker: Coordinates access to one workflow across replicas.
  - Capability: A provider the router invokes once per iteration.
  - Embedder: Turns text into vectors for the memory store.
*/
package ports
