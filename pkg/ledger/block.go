/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// TxOutcome is the decoded outcome of one transaction in a committed
// block.
type TxOutcome struct {
	TxID           string `json:"txID"`
	Type           string `json:"type"`
	ValidationCode string `json:"validationCode"`
	Valid          bool   `json:"valid"`
}

// BlockEvent is the decoded notification of a ledger commit: the block
// sequence number and the outcomes of the transactions it contains, in
// block order. Events are immutable and forwarded, never stored.
type BlockEvent struct {
	Channel      string      `json:"channel"`
	Number       uint64      `json:"blockNumber"`
	Transactions []TxOutcome `json:"transactions"`
}

// DecodeBlock turns a committed block into a BlockEvent. The validation
// flag of each transaction comes from the block metadata written by the
// committing peer.
func DecodeBlock(block *common.Block) (*BlockEvent, error) {
	if block == nil || block.Header == nil || block.Data == nil {
		return nil, errors.New("incomplete block")
	}

	var flags []byte
	if block.Metadata != nil && len(block.Metadata.Metadata) > int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		flags = block.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	event := &BlockEvent{Number: block.Header.Number}
	for i, raw := range block.Data.Data {
		chdr, err := unmarshalChannelHeader(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed decoding tx [%d] in block [%d]", i, block.Header.Number)
		}
		code := pb.TxValidationCode_VALID
		if len(flags) > i {
			code = pb.TxValidationCode(flags[i])
		}
		event.Channel = chdr.ChannelId
		event.Transactions = append(event.Transactions, TxOutcome{
			TxID:           chdr.TxId,
			Type:           common.HeaderType_name[chdr.Type],
			ValidationCode: code.String(),
			Valid:          code == pb.TxValidationCode_VALID,
		})
	}
	return event, nil
}

func unmarshalChannelHeader(tx []byte) (*common.ChannelHeader, error) {
	env := &common.Envelope{}
	if err := proto.Unmarshal(tx, env); err != nil {
		return nil, errors.Wrap(err, "error getting tx from block")
	}
	payl := &common.Payload{}
	if err := proto.Unmarshal(env.Payload, payl); err != nil {
		return nil, errors.Wrap(err, "unmarshal payload failed")
	}
	if payl.Header == nil {
		return nil, errors.New("payload header is nil")
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(payl.Header.ChannelHeader, chdr); err != nil {
		return nil, errors.Wrap(err, "unmarshal channel header failed")
	}
	return chdr, nil
}
