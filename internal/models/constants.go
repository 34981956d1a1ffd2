package models

const (
	// DefaultDraftTTL lifetime of an abandoned draft in the state store, seconds.
	DefaultDraftTTL = 24 * 60 * 60

	// DefaultQueryTimeout ceiling for a single availability query, seconds.
	DefaultQueryTimeout = 10

	// WorkerQueueSize in-memory forwarding queue size.
	WorkerQueueSize = 256
)
