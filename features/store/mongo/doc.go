// Package mongo provides MongoDB-backed implementations of the workflow and
// execution stores. Build the low-level client via
// features/store/mongo/clients/mongo and pass it to NewWorkflowStore and
// NewExecutionStore so deployments keep definitions and run summaries across
// restarts.
package mongo
