/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/pkg/errors"
)

// FolderIssuer provisions identities from MSP material laid out on disk as
// <root>/<organization>/<username>/signcert.pem and key.pem. It stands in
// for a certificate-authority client in deployments where enrollment
// happened out of band; registration is a load-and-validate step.
type FolderIssuer struct {
	Root  string
	MSPID func(organization string) string
}

func NewFolderIssuer(root string, mspID func(string) string) *FolderIssuer {
	if mspID == nil {
		mspID = func(org string) string { return org + "MSP" }
	}
	return &FolderIssuer{Root: root, MSPID: mspID}
}

func (f *FolderIssuer) RegisterAndEnroll(_ context.Context, username, organization string) (*Identity, error) {
	dir := filepath.Join(f.Root, organization, username)
	certPEM, err := os.ReadFile(filepath.Join(dir, "signcert.pem"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed loading signing cert for [%s@%s]", username, organization)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed loading signing key for [%s@%s]", username, organization)
	}
	signer, err := NewX509Signer(f.MSPID(organization), certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return NewIdentity(username, organization, f.MSPID(organization), signer), nil
}

// X509Signer signs with an ECDSA key and serializes as an MSP identity
// (mspid + certificate PEM), the representation ledger peers expect in
// envelope signature headers.
type X509Signer struct {
	mspID   string
	certPEM []byte
	key     *ecdsa.PrivateKey
}

func NewX509Signer(mspID string, certPEM, keyPEM []byte) (*X509Signer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed decoding certificate PEM")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, errors.Wrap(err, "invalid signing certificate")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed decoding key PEM")
	}
	key, err := parseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return &X509Signer{mspID: mspID, certPEM: certPEM, key: key}, nil
}

func (s *X509Signer) Serialize() ([]byte, error) {
	raw, err := proto.Marshal(&msp.SerializedIdentity{
		Mspid:   s.mspID,
		IdBytes: s.certPEM,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed marshalling serialized identity")
	}
	return raw, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Sign produces a low-S ECDSA signature over SHA-256 of msg. MSP signature
// validation rejects high-S values, so S is folded into the lower half of
// the curve order before encoding.
func (s *X509Signer) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed signing message")
	}
	n := s.key.Curve.Params().N
	if sv.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		sv = new(big.Int).Sub(n, sv)
	}
	raw, err := asn1.Marshal(ecdsaSignature{R: r, S: sv})
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding signature")
	}
	return raw, nil
}

func parseECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed parsing signing key")
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("expected an EC signing key, got %T", key)
	}
	return ecKey, nil
}
