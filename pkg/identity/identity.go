/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"context"
	"fmt"
)

// SigningIdentity models the signing capability of a resolved identity.
type SigningIdentity interface {
	// Serialize returns a byte representation of this identity suitable
	// for embedding in ledger envelopes.
	Serialize() ([]byte, error)

	// Sign signs msg with this identity's private credential.
	Sign(msg []byte) ([]byte, error)
}

// Identity is a resolved (username, organization) pair together with its
// credential material. Instances are immutable once created and are cached
// for the process lifetime.
type Identity struct {
	Username     string
	Organization string
	MSPID        string
	Enrolled     bool

	signer SigningIdentity
}

// Key returns the cache key for an identity, unique per
// (username, organization).
func Key(username, organization string) string {
	return fmt.Sprintf("%s@%s", username, organization)
}

func (i *Identity) Key() string {
	return Key(i.Username, i.Organization)
}

// Signer returns the signing capability attached to this identity.
func (i *Identity) Signer() SigningIdentity {
	return i.signer
}

// Issuer is the identity-issuing collaborator. Implementations register
// and enroll the user against whatever certificate authority backs the
// organization; the gateway treats the credential material as opaque.
type Issuer interface {
	// RegisterAndEnroll provisions credentials for the given user in the
	// given organization and returns the resulting identity.
	RegisterAndEnroll(ctx context.Context, username, organization string) (*Identity, error)
}

// NewIdentity builds an identity from already-provisioned credentials.
// Used by issuers and by tests.
func NewIdentity(username, organization, mspID string, signer SigningIdentity) *Identity {
	return &Identity{
		Username:     username,
		Organization: organization,
		MSPID:        mspID,
		Enrolled:     true,
		signer:       signer,
	}
}
