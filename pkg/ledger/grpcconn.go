/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	gw "github.com/hyperledger/fabric-protos-go/gateway"
	ab "github.com/hyperledger/fabric-protos-go/orderer"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mtube-labs/ledger-gateway/pkg/identity"
)

// ConnectionConfig describes how to reach the peer serving a channel.
type ConnectionConfig struct {
	Address            string `yaml:"address"`
	ServerNameOverride string `yaml:"serverNameOverride"`
	TLSEnabled         bool   `yaml:"tlsEnabled"`
	TLSRootCertFile    string `yaml:"tlsRootCertFile"`
}

// GRPCConnection implements Connection against a peer's gateway and
// deliver services. Endorsement and ordering happen peer-side; this client
// builds and signs proposals, submits them and waits for the commit
// status.
type GRPCConnection struct {
	conn    *grpc.ClientConn
	gateway gw.GatewayClient
	deliver pb.DeliverClient
}

// NewGRPCConnection dials the peer once; the clients multiplex over the
// single connection.
func NewGRPCConnection(config ConnectionConfig) (*GRPCConnection, error) {
	creds := insecure.NewCredentials()
	if config.TLSEnabled {
		tlsCreds, err := credentials.NewClientTLSFromFile(config.TLSRootCertFile, config.ServerNameOverride)
		if err != nil {
			return nil, errors.Wrapf(err, "failed loading peer TLS root cert [%s]", config.TLSRootCertFile)
		}
		creds = tlsCreds
	}
	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, errors.Wrapf(err, "failed creating grpc client for [%s]", config.Address)
	}
	return &GRPCConnection{
		conn:    conn,
		gateway: gw.NewGatewayClient(conn),
		deliver: pb.NewDeliverClient(conn),
	}, nil
}

func (c *GRPCConnection) Close() error {
	return c.conn.Close()
}

func (c *GRPCConnection) Evaluate(ctx context.Context, signer identity.SigningIdentity, channel, chaincode, function string, args []string) ([]byte, error) {
	txID, proposal, err := signedProposal(signer, channel, chaincode, function, args)
	if err != nil {
		return nil, err
	}
	resp, err := c.gateway.Evaluate(ctx, &gw.EvaluateRequest{
		TransactionId:       txID,
		ChannelId:           channel,
		ProposedTransaction: proposal,
	})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, errors.New("received nil evaluate result")
	}
	return resp.Result.Payload, nil
}

func (c *GRPCConnection) Submit(ctx context.Context, signer identity.SigningIdentity, channel, chaincode, function string, args []string) ([]byte, error) {
	txID, proposal, err := signedProposal(signer, channel, chaincode, function, args)
	if err != nil {
		return nil, err
	}
	endorsed, err := c.gateway.Endorse(ctx, &gw.EndorseRequest{
		TransactionId:       txID,
		ChannelId:           channel,
		ProposedTransaction: proposal,
	})
	if err != nil {
		return nil, err
	}
	env := endorsed.PreparedTransaction
	if env == nil {
		return nil, errors.New("received nil prepared transaction")
	}
	signature, err := signer.Sign(env.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed signing prepared transaction")
	}
	if _, err := c.gateway.Submit(ctx, &gw.SubmitRequest{
		TransactionId: txID,
		ChannelId:     channel,
		PreparedTransaction: &common.Envelope{
			Payload:   env.Payload,
			Signature: signature,
		},
	}); err != nil {
		return nil, err
	}

	// block until the network reports the transaction committed or rejected
	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	statusReq, err := proto.Marshal(&gw.CommitStatusRequest{
		ChannelId:     channel,
		TransactionId: txID,
		Identity:      creator,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed marshalling commit status request")
	}
	statusSig, err := signer.Sign(statusReq)
	if err != nil {
		return nil, err
	}
	status, err := c.gateway.CommitStatus(ctx, &gw.SignedCommitStatusRequest{
		Request:   statusReq,
		Signature: statusSig,
	})
	if err != nil {
		return nil, err
	}
	if status.Result != pb.TxValidationCode_VALID {
		return nil, errors.Errorf("transaction [%s] invalidated with status [%s]", txID, status.Result)
	}
	return []byte(txID), nil
}

// Deliver opens a block stream on channel starting from the newest block.
// The handshake is the seek envelope send; events flow from there.
func (c *GRPCConnection) Deliver(ctx context.Context, signer identity.SigningIdentity, channel string) (DeliverStream, error) {
	stream, err := c.deliver.Deliver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get delivery stream")
	}
	envelope, err := createDeliverEnvelope(channel, signer)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(envelope); err != nil {
		return nil, errors.Wrap(err, "failed sending seek envelope")
	}
	return stream, nil
}

func signedProposal(signer identity.SigningIdentity, channel, chaincode, function string, args []string) (string, *pb.SignedProposal, error) {
	creator, err := signer.Serialize()
	if err != nil {
		return "", nil, err
	}
	nonce, err := getRandomNonce()
	if err != nil {
		return "", nil, err
	}
	txID := computeTxID(nonce, creator)

	ccInput := &pb.ChaincodeInput{Args: [][]byte{[]byte(function)}}
	for _, arg := range args {
		ccInput.Args = append(ccInput.Args, []byte(arg))
	}
	cis := &pb.ChaincodeInvocationSpec{
		ChaincodeSpec: &pb.ChaincodeSpec{
			ChaincodeId: &pb.ChaincodeID{Name: chaincode},
			Input:       ccInput,
		},
	}
	cisBytes, err := proto.Marshal(cis)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling invocation spec")
	}

	extension, err := proto.Marshal(&pb.ChaincodeHeaderExtension{
		ChaincodeId: &pb.ChaincodeID{Name: chaincode},
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling header extension")
	}
	chdr, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_ENDORSER_TRANSACTION),
		ChannelId: channel,
		TxId:      txID,
		Epoch:     0,
		Timestamp: timestamppb.Now(),
		Extension: extension,
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling channel header")
	}
	shdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling signature header")
	}
	payload, err := proto.Marshal(&pb.ChaincodeProposalPayload{Input: cisBytes})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling proposal payload")
	}
	proposalBytes, err := proto.Marshal(&pb.Proposal{
		Header:  mustMarshalHeader(chdr, shdr),
		Payload: payload,
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed marshalling proposal")
	}
	signature, err := signer.Sign(proposalBytes)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed signing proposal")
	}
	return txID, &pb.SignedProposal{ProposalBytes: proposalBytes, Signature: signature}, nil
}

func mustMarshalHeader(channelHeader, signatureHeader []byte) []byte {
	raw, err := proto.Marshal(&common.Header{
		ChannelHeader:   channelHeader,
		SignatureHeader: signatureHeader,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// createDeliverEnvelope builds the signed seek envelope requesting blocks
// from newest to the maximum sequence number.
func createDeliverEnvelope(channel string, signer identity.SigningIdentity) (*common.Envelope, error) {
	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	nonce, err := getRandomNonce()
	if err != nil {
		return nil, err
	}
	seekInfo, err := proto.Marshal(&ab.SeekInfo{
		Start:    &ab.SeekPosition{Type: &ab.SeekPosition_Newest{Newest: &ab.SeekNewest{}}},
		Stop:     &ab.SeekPosition{Type: &ab.SeekPosition_Specified{Specified: &ab.SeekSpecified{Number: math.MaxUint64}}},
		Behavior: ab.SeekInfo_BLOCK_UNTIL_READY,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling SeekInfo")
	}
	chdr, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_DELIVER_SEEK_INFO),
		ChannelId: channel,
		TxId:      computeTxID(nonce, creator),
		Epoch:     0,
		Timestamp: timestamppb.Now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed marshalling channel header")
	}
	shdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, errors.Wrap(err, "failed marshalling signature header")
	}
	payload, err := proto.Marshal(&common.Payload{
		Header: &common.Header{ChannelHeader: chdr, SignatureHeader: shdr},
		Data:   seekInfo,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal common.Payload")
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &common.Envelope{Payload: payload, Signature: signature}, nil
}

func getRandomNonce() ([]byte, error) {
	key := make([]byte, 24)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "error getting random bytes")
	}
	return key, nil
}

func computeTxID(nonce, creator []byte) string {
	hasher := sha256.New()
	hasher.Write(nonce)
	hasher.Write(creator)
	return hex.EncodeToString(hasher.Sum(nil))
}
