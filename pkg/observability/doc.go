/*
Package observability provides router lifecycle hooks for auditing workflow
steps: a structured-log audit trail and a snapshot watcher that streams the
latest step of each workflow to in-process consumers.
*/
package observability
