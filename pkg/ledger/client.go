/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
	"github.com/mtube-labs/ledger-gateway/pkg/identity"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

var logger = logging.MustGetLogger("gateway.ledger")

// DefaultRequestTimeout bounds Submit/Evaluate when no timeout is
// configured. It mirrors the front door's own request timeout.
const DefaultRequestTimeout = 240 * time.Second

// TransactionResult is the normalized outcome of a submit or evaluate,
// returned synchronously to the REST caller and never persisted.
type TransactionResult struct {
	Success bool   `json:"success"`
	Payload []byte `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client wraps a Connection with identity handling, a bounded wait and
// error normalization. It never retries: a failed Submit may have
// partially committed, so retry policy belongs to the caller. Evaluate has
// no side effects and may be safely retried by callers.
type Client struct {
	conn    Connection
	timeout time.Duration
}

func NewClient(conn Connection, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Submit sends a state-changing transaction and blocks until commit,
// rejection or timeout.
func (c *Client) Submit(ctx context.Context, id *identity.Identity, channel, chaincode, function string, args []string) (*TransactionResult, error) {
	if logger.IsEnabledFor(zapcore.DebugLevel) {
		logger.Debugf("submit [%s:%s:%s] as [%s], args %v", channel, chaincode, function, id.Key(), args)
	}
	return c.process(ctx, c.conn.Submit, id, channel, chaincode, function, args)
}

// Evaluate runs a read-only transaction against a peer.
func (c *Client) Evaluate(ctx context.Context, id *identity.Identity, channel, chaincode, function string, args []string) (*TransactionResult, error) {
	if logger.IsEnabledFor(zapcore.DebugLevel) {
		logger.Debugf("evaluate [%s:%s:%s] as [%s], args %v", channel, chaincode, function, id.Key(), args)
	}
	return c.process(ctx, c.conn.Evaluate, id, channel, chaincode, function, args)
}

type processFunc func(ctx context.Context, signer identity.SigningIdentity, channel, chaincode, function string, args []string) ([]byte, error)

func (c *Client) process(ctx context.Context, f processFunc, id *identity.Identity, channel, chaincode, function string, args []string) (*TransactionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := f(ctx, id.Signer(), channel, chaincode, function, args)
	if err != nil {
		return nil, classify(err, channel, function)
	}
	return &TransactionResult{Success: true, Payload: payload}, nil
}

// classify maps a connection failure onto the gateway taxonomy. The
// rejection reason reported by the network is preserved verbatim.
func classify(err error, channel, function string) error {
	cause := errors.Cause(err)
	if errors.Is(cause, context.DeadlineExceeded) {
		return errors.Wrapf(gateway.ErrTimeout, "no response for [%s:%s]", channel, function)
	}
	if s, ok := status.FromError(cause); ok {
		switch s.Code() {
		case codes.Unavailable:
			return errors.Wrapf(gateway.ErrLedgerUnreachable, "no peer reachable for [%s]: %s", channel, s.Message())
		case codes.DeadlineExceeded:
			return errors.Wrapf(gateway.ErrTimeout, "no response for [%s:%s]", channel, function)
		}
	}
	return errors.Wrapf(gateway.ErrTransactionRejected, "%s", err)
}
