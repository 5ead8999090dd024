/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	goerrors "errors"

	"github.com/pkg/errors"
)

// The gateway failure taxonomy. Every error surfaced to a REST caller or
// logged on the subscription path wraps one of these sentinels so that the
// transport boundary can map it to a status code without string matching.
var (
	// ErrMissingIdentityHeader signals a request without the X-username or
	// X-orgName header.
	ErrMissingIdentityHeader = errors.New("identity header missing")

	// ErrMalformedRequest signals a request body that does not match the
	// shape expected by the target operation.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrIdentityUnavailable signals that no cached identity exists and
	// none could be created.
	ErrIdentityUnavailable = errors.New("identity unavailable")

	// ErrLedgerUnreachable signals that no peer could be reached for the
	// requested channel.
	ErrLedgerUnreachable = errors.New("ledger unreachable")

	// ErrTransactionRejected signals an endorsement or validation failure;
	// the wrapping message carries the network's reason verbatim.
	ErrTransactionRejected = errors.New("transaction rejected")

	// ErrTimeout signals that the ledger did not respond within the
	// bounded wait.
	ErrTimeout = errors.New("ledger request timed out")

	// ErrSubscriptionFailed signals that a block-event subscription could
	// not be opened.
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// HasCause reports whether err wraps target, unwrapping through both
// pkg/errors causes and the standard library chain.
func HasCause(err, target error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, target) {
		return true
	}
	return errors.Cause(err) == target
}
