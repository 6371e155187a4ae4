// Package api holds the wire types shared by the objq HTTP server and client.
package api

// Response headers carried by claimed messages.
const (
	// HeaderMessageID carries the identifier of the claimed message.
	HeaderMessageID = "X-Objq-Message-Id"
	// HeaderClaimKey carries the object key of the claim marker written for the delivery.
	HeaderClaimKey = "X-Objq-Claim-Key"
	// HeaderLeaseExpires carries the lease expiry in RFC 3339 format.
	HeaderLeaseExpires = "X-Objq-Lease-Expires"
	// HeaderEnqueuedAt carries the enqueue time derived from the message id, in RFC 3339 format.
	HeaderEnqueuedAt = "X-Objq-Enqueued-At"
	// HeaderCorrelationID links related operations across request/response logs.
	HeaderCorrelationID = "X-Correlation-Id"
)

// Query parameters understood by claim endpoints.
const (
	// QueryLease sets the requested lease as a Go duration ("30s") or whole seconds ("30").
	QueryLease = "lease"
	// QueryWait keeps get-next-message waiting for a message, same format as QueryLease.
	QueryWait = "wait"
)

// MessageRef identifies a message.
type MessageRef struct {
	// ID is the sortable identifier assigned at enqueue.
	ID string `json:"id"`
}

// EnqueueResponse is returned by POST /v1/{account}/{queue}.
type EnqueueResponse struct {
	// Message references the newly stored message.
	Message MessageRef `json:"message"`
}

// QueueInfo describes a queue in a listing.
type QueueInfo struct {
	// Name is the public queue name, without the container prefix.
	Name string `json:"name"`
}

// ListQueuesResponse is returned by GET /v1/{account}.
type ListQueuesResponse struct {
	// Queues lists the account's queues in lexical order.
	Queues []QueueInfo `json:"queues"`
}

// CreateQueueResponse is returned by PUT /v1/{account}/{queue}.
type CreateQueueResponse struct {
	// Queue describes the created or touched queue.
	Queue QueueInfo `json:"queue"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable objq error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
