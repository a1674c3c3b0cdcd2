/*
Package errdefs defines the error kinds surfaced by the Apiary coordination
plane and helpers for classifying them.

Every user-visible failure in Apiary carries exactly one of the sentinel
kinds defined here, attached via error wrapping. Callers never string-match
error text; they classify with errors.Is, the Is* predicates, or the Code
function which yields a stable machine-readable string.

# Error Kinds

Store-level kinds:
  - ErrNotFound: an entity lookup missed.
  - ErrAlreadyExists: an insert collided with an existing row.
  - ErrConstraint: a schema constraint was violated.
  - ErrLeaseHeld: a lease acquisition found a live holder.
  - ErrInvalidState: a lifecycle transition was attempted from the wrong state.
  - ErrConnection / ErrTransaction: transient database failures; the store
    retries these internally, everything else surfaces.

Sync-level kinds:
  - ErrNetwork: the remote peer was unreachable; the sync engine enqueues
    the affected batch instead of failing the caller.
  - ErrTimeout: a remote call exceeded its deadline; treated as network-class.
  - ErrConflict: both sides mutated the same entity; resolved, never fatal.
  - ErrSyncBusy: a sync cycle was already running; callers back off.

Process-level kinds:
  - ErrFatal: unrecoverable; the runtime governor terminates on these.
  - ErrConfig: bad configuration detected at startup, distinct from any
    runtime failure.

# Usage

Wrapping at the failure site:

	if row == nil {
		return errdefs.NotFound("task %s", id)
	}

Classifying at the boundary:

	task, err := registry.Get(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil // absent, not an error for this caller
	}

Stable codes for logs and wire responses:

	log.Error().Str("code", errdefs.Code(err)).Err(err).Msg("claim failed")

# Classification Rules

IsNetwork also matches context.DeadlineExceeded and context.Canceled so
aborted HTTP calls route to the offline queue like any other unreachable
peer. IsRetryable matches only ErrConnection and ErrTransaction; the store
retries those up to three times with exponential backoff before surfacing.

# See Also

  - pkg/store for the retry policy on connection errors
  - pkg/offline for network-error classification during queue draining
  - pkg/syncer for how 4xx responses map to non-retryable kinds
*/
package errdefs
