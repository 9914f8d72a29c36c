/*
Package sochen is a multi-agent engine for code tasks.

A workflow carries one task (add a docstring, fix a bug, review a module)
through a set of providers: an orchestrator decides which specialist runs
next, and architects, coders, reviewers and testers each return a delta that
the ledger merges into the workflow state. The loop stops when the workflow
completes, fails or needs a human decision.

# Concept

Sochen separates the routing logic (Router) from the durable record of each
workflow (Ledger) and from the work itself (Capabilities). Providers never
write state directly; they return a Delta and the ledger applies it
atomically, persists it and appends an audit Step. This makes every workflow
resumable from its last persisted state.

# Key Features

  - Human checkpoints: a workflow can wait for feedback, then resume or conclude.
  - Dependency graph: files, classes and functions with their imports, used to
    compute the blast radius of a proposed change.
  - Memory: past agent actions are embedded and recalled by similarity.
  - Observers: progress is published over WebSocket, REST and MCP.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/sochen"
		"github.com/aretw0/sochen/pkg/ledger"
		"github.com/aretw0/sochen/pkg/llm/anthropic"
	)

	func main() {
		eng, err := sochen.New(
			sochen.WithDir(".sochen"),
			sochen.WithModel(anthropic.NewModel()),
		)
		if err != nil {
			log.Fatal(err)
		}
		defer eng.Close()

		state, err := eng.Run(context.Background(), "Add a docstring to main",
			ledger.Init{FilePaths: []string{"main.py"}})
		if err != nil {
			log.Fatal(err)
		}
		log.Println("status:", state.Status)
	}
*/
package sochen
