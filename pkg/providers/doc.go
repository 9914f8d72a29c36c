/*
Package providers holds the capability providers the router sequences.

Each provider formats a prompt from the workflow snapshot, calls a language
model through llm.Model and turns the free-text reply into a domain.Delta.
Replies are read with a small versioned grammar (GrammarVersion); a reply that
does not follow it yields an unparsed outcome instead of an error, so the
workflow never depends on the model formatting its answer.

Every worker hands control back to the orchestrator. Providers may write to
the memory store and the dependency graph; they never persist workflow state.
*/
package providers
