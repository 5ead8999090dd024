/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
	"github.com/mtube-labs/ledger-gateway/pkg/identity"
	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
)

type scriptedStream struct {
	responses chan *pb.DeliverResponse
	closed    chan struct{}
	once      sync.Once
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{
		responses: make(chan *pb.DeliverResponse, 16),
		closed:    make(chan struct{}),
	}
}

func (s *scriptedStream) Recv() (*pb.DeliverResponse, error) {
	select {
	case resp, ok := <-s.responses:
		if !ok {
			return nil, errors.New("stream terminated")
		}
		return resp, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *scriptedStream) CloseSend() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) pushBlock(block *common.Block) {
	s.responses <- &pb.DeliverResponse{Type: &pb.DeliverResponse_Block{Block: block}}
}

func (s *scriptedStream) terminate() {
	close(s.responses)
}

type fakeDeliverConn struct {
	mutex    sync.Mutex
	streams  []*scriptedStream
	ctxs     []context.Context
	failWith error
}

func (f *fakeDeliverConn) Submit(context.Context, identity.SigningIdentity, string, string, string, []string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDeliverConn) Evaluate(context.Context, identity.SigningIdentity, string, string, string, []string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDeliverConn) Deliver(ctx context.Context, _ identity.SigningIdentity, _ string) (ledger.DeliverStream, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	stream := newScriptedStream()
	f.streams = append(f.streams, stream)
	f.ctxs = append(f.ctxs, ctx)
	return stream, nil
}

func (f *fakeDeliverConn) deliverCtx(i int) context.Context {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.ctxs[i]
}

func (f *fakeDeliverConn) deliverCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.streams)
}

func (f *fakeDeliverConn) stream(i int) *scriptedStream {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.streams[i]
}

type recordingHub struct {
	mutex  sync.Mutex
	events []*ledger.BlockEvent
}

func (r *recordingHub) Broadcast(event *ledger.BlockEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingHub) snapshot() []*ledger.BlockEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*ledger.BlockEvent{}, r.events...)
}

func testBlock(t *testing.T, number uint64, txID string) *common.Block {
	t.Helper()
	chdr, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_ENDORSER_TRANSACTION),
		ChannelId: "mychannel",
		TxId:      txID,
	})
	require.NoError(t, err)
	payload, err := proto.Marshal(&common.Payload{Header: &common.Header{ChannelHeader: chdr}})
	require.NoError(t, err)
	env, err := proto.Marshal(&common.Envelope{Payload: payload})
	require.NoError(t, err)
	return &common.Block{
		Header: &common.BlockHeader{Number: number},
		Data:   &common.BlockData{Data: [][]byte{env}},
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func aliceIdentity() *identity.Identity {
	return identity.NewIdentity("alice", "org1", "Org1MSP", nil)
}

func TestStartIsIdempotentPerIdentity(t *testing.T) {
	conn := &fakeDeliverConn{}
	subs := NewSubscribers(conn, &recordingHub{})

	first, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)
	require.Equal(t, Active, first.State())

	second, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, conn.deliverCount())
	require.Equal(t, 1, subs.Len())
}

func TestConcurrentStartOpensOneStream(t *testing.T) {
	conn := &fakeDeliverConn{}
	subs := NewSubscribers(conn, &recordingHub{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := subs.Start("mychannel", aliceIdentity())
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, conn.deliverCount())
	require.Equal(t, 1, subs.Len())
}

func TestStreamRunsUnderRegistryLifetime(t *testing.T) {
	conn := &fakeDeliverConn{}
	hub := &recordingHub{}
	subs := NewSubscribers(conn, hub)

	sub, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)

	// the stream is opened under the registry's own context; the caller
	// that triggered the start may be long gone while events keep flowing
	require.NoError(t, conn.deliverCtx(0).Err())

	conn.stream(0).pushBlock(testBlock(t, 1, "tx-1"))
	eventually(t, func() bool { return len(hub.snapshot()) == 1 })
	require.Equal(t, Active, sub.State())

	subs.StopAll()
	require.Error(t, conn.deliverCtx(0).Err())
}

func TestBlocksAreDecodedAndFannedOutInOrder(t *testing.T) {
	conn := &fakeDeliverConn{}
	hub := &recordingHub{}
	subs := NewSubscribers(conn, hub)

	_, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)

	stream := conn.stream(0)
	stream.pushBlock(testBlock(t, 1, "tx-1"))
	stream.pushBlock(testBlock(t, 2, "tx-2"))

	eventually(t, func() bool { return len(hub.snapshot()) == 2 })
	events := hub.snapshot()
	require.Equal(t, uint64(1), events[0].Number)
	require.Equal(t, uint64(2), events[1].Number)
	require.Equal(t, "tx-1", events[0].Transactions[0].TxID)
}

func TestMalformedBlockIsSkipped(t *testing.T) {
	conn := &fakeDeliverConn{}
	hub := &recordingHub{}
	subs := NewSubscribers(conn, hub)

	sub, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)

	stream := conn.stream(0)
	stream.pushBlock(&common.Block{
		Header: &common.BlockHeader{Number: 1},
		Data:   &common.BlockData{Data: [][]byte{{0xff, 0x01}}},
	})
	stream.pushBlock(testBlock(t, 2, "tx-2"))

	// the malformed unit is dropped, the stream and the next block survive
	eventually(t, func() bool { return len(hub.snapshot()) == 1 })
	require.Equal(t, uint64(2), hub.snapshot()[0].Number)
	require.Equal(t, Active, sub.State())
}

func TestStreamTerminationClosesWithoutRestart(t *testing.T) {
	conn := &fakeDeliverConn{}
	subs := NewSubscribers(conn, &recordingHub{})

	sub, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)

	conn.stream(0).terminate()
	eventually(t, func() bool { return sub.State() == Closed })

	// no implicit restart
	require.Equal(t, 1, conn.deliverCount())
	// the registry still remembers the identity, repeated registration
	// does not reopen a stream either
	again, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)
	require.Same(t, sub, again)
	require.Equal(t, 1, conn.deliverCount())
}

func TestExplicitRestartReopensStream(t *testing.T) {
	conn := &fakeDeliverConn{}
	subs := NewSubscribers(conn, &recordingHub{})
	id := aliceIdentity()

	sub, err := subs.Start("mychannel", id)
	require.NoError(t, err)

	_, err = subs.Restart("mychannel", id)
	require.True(t, gateway.HasCause(err, gateway.ErrSubscriptionFailed), "restart of a live subscription must fail")

	conn.stream(0).terminate()
	eventually(t, func() bool { return sub.State() == Closed })

	fresh, err := subs.Restart("mychannel", id)
	require.NoError(t, err)
	require.NotSame(t, sub, fresh)
	require.Equal(t, 2, conn.deliverCount())
	require.Equal(t, Active, fresh.State())
}

func TestDeliverFailureReportsSubscriptionFailed(t *testing.T) {
	conn := &fakeDeliverConn{failWith: errors.New("handshake refused")}
	subs := NewSubscribers(conn, &recordingHub{})

	_, err := subs.Start("mychannel", aliceIdentity())
	require.Error(t, err)
	require.True(t, gateway.HasCause(err, gateway.ErrSubscriptionFailed))
	// a failed start leaves no entry behind, the next call may succeed
	require.Equal(t, 0, subs.Len())
}

func TestStopAll(t *testing.T) {
	conn := &fakeDeliverConn{}
	subs := NewSubscribers(conn, &recordingHub{})

	a, err := subs.Start("mychannel", aliceIdentity())
	require.NoError(t, err)
	b, err := subs.Start("mychannel", identity.NewIdentity("bob", "org2", "Org2MSP", nil))
	require.NoError(t, err)
	require.Equal(t, 2, conn.deliverCount())

	subs.StopAll()
	eventually(t, func() bool { return a.State() == Closed && b.State() == Closed })
}
