/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package web

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mtube-labs/ledger-gateway/pkg/events"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

// WSUpgrade upgrades inbound connections and registers them with the
// fanout hub. Every registered socket receives every subsequent block
// event; there is no per-client filtering.
type WSUpgrade struct {
	Logger logging.Logger
	Hub    *events.Hub
}

func (u *WSUpgrade) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	ws, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		u.Logger.Warnf("websocket upgrade failed: %s", err)
		return
	}
	u.Logger.Infof("Upgraded to web socket")

	reg := u.Hub.Register(ws)

	// drain inbound frames; the gateway pushes only. Recv failure is how
	// we learn the client went away between broadcasts.
	go func() {
		defer u.Hub.Unregister(reg)
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				u.Logger.Debugf("websocket client gone: %s", err)
				return
			}
			u.Logger.Debugf("websocket client says: %s", string(msg))
		}
	}()
}
