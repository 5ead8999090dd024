/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
)

func TestHub(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Test event fanout hub")
}

type fakeSocket struct {
	mutex    sync.Mutex
	messages []string
	failWith error
	stalled  bool
	closed   bool
	deadline time.Time
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if f.stalled {
		// a real connection would block until the write deadline fires
		return os.ErrDeadlineExceeded
	}
	f.messages = append(f.messages, string(data))
	return nil
}

func (f *fakeSocket) SetWriteDeadline(t time.Time) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeSocket) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) received() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string{}, f.messages...)
}

func (f *fakeSocket) isClosed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

func (f *fakeSocket) writeDeadline() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.deadline
}

func blockEvent(number uint64) *ledger.BlockEvent {
	return &ledger.BlockEvent{Channel: "mychannel", Number: number}
}

var _ = Describe("Event fanout hub", func() {

	var hub *Hub

	BeforeEach(func() {
		hub = NewHub()
	})

	When("creating a hub", func() {
		It("should start empty", func() {
			Expect(hub.Len()).To(Equal(0))
		})
	})

	When("broadcasting to registered sockets", func() {
		It("delivers every event, in order, to every socket", func() {
			alice := &fakeSocket{}
			bob := &fakeSocket{}
			hub.Register(alice)
			hub.Register(bob)

			hub.Broadcast(blockEvent(1))
			hub.Broadcast(blockEvent(2))

			for _, sock := range []*fakeSocket{alice, bob} {
				messages := sock.received()
				Expect(messages).To(HaveLen(2))
				Expect(messages[0]).To(ContainSubstring(`"blockNumber":1`))
				Expect(messages[1]).To(ContainSubstring(`"blockNumber":2`))
			}
		})

		It("does not replay past events to late registrations", func() {
			alice := &fakeSocket{}
			hub.Register(alice)
			hub.Broadcast(blockEvent(1))

			bob := &fakeSocket{}
			hub.Register(bob)
			hub.Broadcast(blockEvent(2))

			Expect(alice.received()).To(HaveLen(2))
			messages := bob.received()
			Expect(messages).To(HaveLen(1))
			Expect(messages[0]).To(ContainSubstring(`"blockNumber":2`))
		})
	})

	When("a socket breaks", func() {
		It("drops it and keeps delivering to the others", func() {
			broken := &fakeSocket{failWith: errors.New("broken pipe")}
			alice := &fakeSocket{}
			hub.Register(broken)
			hub.Register(alice)

			hub.Broadcast(blockEvent(1))

			Expect(hub.Len()).To(Equal(1))
			Expect(broken.isClosed()).To(BeTrue())
			Expect(alice.received()).To(HaveLen(1))

			hub.Broadcast(blockEvent(2))
			Expect(alice.received()).To(HaveLen(2))
		})
	})

	When("a socket stalls", func() {
		It("bounds every write with a deadline and drops the socket that hits it", func() {
			stalled := &fakeSocket{stalled: true}
			alice := &fakeSocket{}
			hub.Register(stalled)
			hub.Register(alice)

			before := time.Now()
			hub.Broadcast(blockEvent(1))

			Expect(hub.Len()).To(Equal(1))
			Expect(stalled.isClosed()).To(BeTrue())
			Expect(alice.received()).To(HaveLen(1))
			Expect(alice.writeDeadline()).To(BeTemporally(">", before))
		})
	})

	When("unregistering", func() {
		It("stops delivery and tolerates double unregister", func() {
			alice := &fakeSocket{}
			reg := hub.Register(alice)

			hub.Unregister(reg)
			hub.Unregister(reg)
			Expect(hub.Len()).To(Equal(0))
			Expect(alice.isClosed()).To(BeTrue())

			hub.Broadcast(blockEvent(1))
			Expect(alice.received()).To(BeEmpty())
		})
	})

	When("sockets churn concurrently with broadcasts", func() {
		It("keeps the registry consistent", func() {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					reg := hub.Register(&fakeSocket{})
					hub.Broadcast(blockEvent(1))
					hub.Unregister(reg)
				}()
			}
			wg.Wait()
			Expect(hub.Len()).To(Equal(0))
		})
	})
})
