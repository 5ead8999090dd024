/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"

	pb "github.com/hyperledger/fabric-protos-go/peer"

	"github.com/mtube-labs/ledger-gateway/pkg/identity"
)

// DeliverStream abstracts the commit-event stream obtained from a peer.
type DeliverStream interface {
	// Recv blocks for the next deliver response pushed by the peer.
	Recv() (*pb.DeliverResponse, error)

	// CloseSend closes the sending side of the stream.
	CloseSend() error
}

// Connection is the ledger-network collaborator. Implementations own peer
// selection, endorsement collection and ordering for the channel; the
// gateway treats them as return-or-fail.
type Connection interface {
	// Submit sends a state-changing transaction signed by signer and
	// blocks until the network reports it committed or rejected.
	Submit(ctx context.Context, signer identity.SigningIdentity, channel, chaincode, function string, args []string) ([]byte, error)

	// Evaluate runs a read-only transaction against a peer; it never
	// reaches ordering.
	Evaluate(ctx context.Context, signer identity.SigningIdentity, channel, chaincode, function string, args []string) ([]byte, error)

	// Deliver opens a commit-event stream on channel under signer. The
	// call returns once the stream handshake succeeded.
	Deliver(ctx context.Context, signer identity.SigningIdentity, channel string) (DeliverStream, error)
}
