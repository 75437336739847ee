// Package errdefs holds the sentinel errors shared across the sandbox
// substrate, checked with errors.Is at the boundaries where a failure
// changes caller-visible behavior.
package errdefs

import "errors"

var (
	// ErrNotFound means the referenced conversation, sandbox, or file does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrConversationLocked means another caller currently holds the
	// conversation's single-writer lock and the wait budget was exhausted.
	ErrConversationLocked = errors.New("conversation is locked by another request")

	// ErrLockAcquisitionTimeout means the distributed lock could not be
	// acquired within the wait budget.
	ErrLockAcquisitionTimeout = errors.New("lock acquisition timed out")

	// ErrContainerUnavailable means no sandbox could be created or bound
	// for the conversation.
	ErrContainerUnavailable = errors.New("sandbox container unavailable")

	// ErrProxyUnavailable means the sandbox's egress proxy failed to start
	// or stopped accepting connections.
	ErrProxyUnavailable = errors.New("egress proxy unavailable")

	// ErrDomainBlocked means the egress proxy denied an outbound request.
	ErrDomainBlocked = errors.New("domain not in whitelist")

	// ErrAgentTimeout means the sandbox agent produced no events within the
	// configured silence window.
	ErrAgentTimeout = errors.New("agent stream timed out")

	// ErrAgentCrashed means the sandbox agent's connection dropped
	// mid-stream.
	ErrAgentCrashed = errors.New("agent connection lost")

	// ErrBlobStore means a blob storage operation failed.
	ErrBlobStore = errors.New("blob store error")
)
