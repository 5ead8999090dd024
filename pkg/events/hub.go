/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

var logger = logging.MustGetLogger("gateway.events")

var (
	socketsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_event_sockets",
		Help: "Number of websocket clients currently registered with the fanout hub.",
	})
	deliveredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_delivered_total",
		Help: "Block events delivered to websocket clients, by outcome.",
	}, []string{"outcome"})
)

// writeWait bounds a single socket write. A peer that stops reading hits
// the deadline and is dropped like a broken one instead of stalling the
// broadcast for everybody else.
const writeWait = 10 * time.Second

// Socket is the write surface of a client connection. *websocket.Conn
// satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Registration identifies one client socket inside the hub. A socket is
// owned by exactly one registration.
type Registration struct {
	socket  Socket
	since   time.Time
	writeMu sync.Mutex
}

// Hub is the registry of live client sockets. Broadcast delivers each
// event to every socket registered at that moment; a failing socket is
// dropped without affecting the others and without surfacing an error to
// the publisher.
type Hub struct {
	mutex   sync.RWMutex
	sockets map[*Registration]struct{}
}

func NewHub() *Hub {
	return &Hub{sockets: map[*Registration]struct{}{}}
}

// Register adds socket to the registry. The socket only sees events
// broadcast after this call returns; there is no replay.
func (h *Hub) Register(socket Socket) *Registration {
	reg := &Registration{socket: socket, since: time.Now()}
	h.mutex.Lock()
	h.sockets[reg] = struct{}{}
	h.mutex.Unlock()
	socketsGauge.Inc()
	logger.Infof("registered websocket client, %d connected", h.Len())
	return reg
}

// Unregister removes reg from the registry and closes its socket.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(reg *Registration) {
	h.mutex.Lock()
	_, ok := h.sockets[reg]
	delete(h.sockets, reg)
	h.mutex.Unlock()
	if !ok {
		return
	}
	socketsGauge.Dec()
	if err := reg.socket.Close(); err != nil {
		logger.Debugf("error closing websocket client: %s", err)
	}
}

// Broadcast delivers event to all currently registered sockets. Sockets
// whose write fails are unregistered; delivery to the remaining sockets is
// unaffected.
func (h *Hub) Broadcast(event *ledger.BlockEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("failed encoding block event [%d]: %s", event.Number, err)
		return
	}

	h.mutex.RLock()
	targets := make([]*Registration, 0, len(h.sockets))
	for reg := range h.sockets {
		targets = append(targets, reg)
	}
	h.mutex.RUnlock()

	var broken []*Registration
	for _, reg := range targets {
		reg.writeMu.Lock()
		err := reg.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err == nil {
			err = reg.socket.WriteMessage(websocket.TextMessage, data)
		}
		reg.writeMu.Unlock()
		if err != nil {
			logger.Warnf("dropping websocket client, write failed: %s", err)
			deliveredCounter.WithLabelValues("failed").Inc()
			broken = append(broken, reg)
			continue
		}
		deliveredCounter.WithLabelValues("delivered").Inc()
	}
	for _, reg := range broken {
		h.Unregister(reg)
	}
}

// Len returns the number of registered sockets.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sockets)
}
