/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"context"
	"sync"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
	"github.com/mtube-labs/ledger-gateway/pkg/identity"
	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
)

// State is the liveness state of a subscription.
type State int32

const (
	// Starting means the stream handshake is in progress.
	Starting State = iota
	// Active means block events are being received and fanned out.
	Active
	// Closed means the stream terminated or was explicitly stopped. A
	// closed subscription is never restarted implicitly.
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Broadcaster receives decoded block events, in block order.
type Broadcaster interface {
	Broadcast(event *ledger.BlockEvent)
}

// Subscription is a long-lived commit-event stream on a channel, running
// under the identity that triggered it. It owns its stream handle
// exclusively and lives until the process stops or Stop is called.
type Subscription struct {
	channel string
	id      *identity.Identity
	stream  ledger.DeliverStream
	hub     Broadcaster
	state   *atomic.Int32
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Identity() *identity.Identity { return s.id }

// Stop closes the underlying stream. The receive loop observes the
// resulting error and marks the subscription closed.
func (s *Subscription) Stop() {
	s.state.Store(int32(Closed))
	if s.stream == nil {
		return
	}
	if err := s.stream.CloseSend(); err != nil {
		logger.Debugf("error closing deliver stream for [%s]: %s", s.id.Key(), err)
	}
}

// run receives deliver responses until the stream terminates. A unit that
// fails to decode is logged and skipped; it never tears the stream down.
// Stream termination marks the subscription closed and is reported via
// logging only, restart is an explicit operational action.
func (s *Subscription) run() {
	key := s.id.Key()
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if s.State() != Closed {
				logger.Errorf("deliver stream for [%s:%s] terminated: %s", s.channel, key, err)
			}
			s.state.Store(int32(Closed))
			return
		}

		switch r := resp.Type.(type) {
		case *pb.DeliverResponse_Block:
			event, err := ledger.DecodeBlock(r.Block)
			if err != nil {
				logger.Errorf("skipping undecodable block on [%s:%s]: %s", s.channel, key, err)
				continue
			}
			if event.Channel == "" {
				event.Channel = s.channel
			}
			if logger.IsEnabledFor(zapcore.DebugLevel) {
				logger.Debugf("block [%d] on [%s:%s], %d transaction(s)", event.Number, s.channel, key, len(event.Transactions))
			}
			s.hub.Broadcast(event)
		case *pb.DeliverResponse_Status:
			logger.Warnf("deliver status [%s] on [%s:%s]", r.Status, s.channel, key)
		default:
			logger.Errorf("unexpected deliver response type [%T] on [%s:%s]", r, s.channel, key)
		}
	}
}

// Subscribers keeps at most one subscription per identity. The registry is
// the single source of truth for whether an identity already triggered a
// subscription start; repeated registrations of the same identity return
// the existing subscription instead of opening a duplicate stream.
//
// Streams are opened under a context owned by the registry, not by the
// request that happened to trigger the start: a subscription outlives its
// originating request and runs until the stream terminates or the registry
// shuts down.
type Subscribers struct {
	conn   ledger.Connection
	hub    Broadcaster
	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	backend map[string]*Subscription
}

func NewSubscribers(conn ledger.Connection, hub Broadcaster) *Subscribers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscribers{
		conn:    conn,
		hub:     hub,
		ctx:     ctx,
		cancel:  cancel,
		backend: map[string]*Subscription{},
	}
}

// Start opens a commit-event stream for id on channel, idempotently. The
// call blocks only for the stream handshake; event delivery then runs on
// its own goroutine for the subscription's lifetime.
func (s *Subscribers) Start(channel string, id *identity.Identity) (*Subscription, error) {
	key := id.Key()

	s.mutex.Lock()
	if existing, ok := s.backend[key]; ok {
		s.mutex.Unlock()
		logger.Debugf("subscription for [%s] already %s", key, existing.State())
		return existing, nil
	}
	sub := &Subscription{
		channel: channel,
		id:      id,
		hub:     s.hub,
		state:   atomic.NewInt32(int32(Starting)),
	}
	s.backend[key] = sub
	s.mutex.Unlock()

	stream, err := s.conn.Deliver(s.ctx, id.Signer(), channel)
	if err != nil {
		s.mutex.Lock()
		delete(s.backend, key)
		s.mutex.Unlock()
		sub.state.Store(int32(Closed))
		return nil, errors.Wrapf(gateway.ErrSubscriptionFailed, "failed opening deliver stream for [%s:%s]: %s", channel, key, err)
	}
	sub.stream = stream
	sub.state.Store(int32(Active))
	logger.Infof("subscription for [%s:%s] active", channel, key)

	go sub.run()
	return sub, nil
}

// Get returns the subscription for (username, organization), if any.
func (s *Subscribers) Get(username, organization string) (*Subscription, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.backend[identity.Key(username, organization)]
	return sub, ok
}

// Restart drops a closed subscription and opens a fresh stream for the
// same identity. It fails if the subscription is still running; stopping
// first is the operator's call to make.
func (s *Subscribers) Restart(channel string, id *identity.Identity) (*Subscription, error) {
	key := id.Key()
	s.mutex.Lock()
	if sub, ok := s.backend[key]; ok {
		if sub.State() != Closed {
			s.mutex.Unlock()
			return nil, errors.Wrapf(gateway.ErrSubscriptionFailed, "subscription for [%s] is still %s", key, sub.State())
		}
		delete(s.backend, key)
	}
	s.mutex.Unlock()
	return s.Start(channel, id)
}

// StopAll tears down every subscription; called at process shutdown.
func (s *Subscribers) StopAll() {
	s.cancel()

	s.mutex.Lock()
	subs := make([]*Subscription, 0, len(s.backend))
	for _, sub := range s.backend {
		subs = append(subs, sub)
	}
	s.mutex.Unlock()

	for _, sub := range subs {
		if sub.State() == Active {
			sub.Stop()
		}
	}
}

// Len returns the number of tracked subscriptions.
func (s *Subscribers) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.backend)
}
