/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mtube-labs/ledger-gateway/pkg/config"
	"github.com/mtube-labs/ledger-gateway/pkg/events"
	"github.com/mtube-labs/ledger-gateway/pkg/identity"
	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
	"github.com/mtube-labs/ledger-gateway/pkg/web"
)

var logger = logging.MustGetLogger("gateway.node")

// Node assembles the gateway from configuration: identity cache, ledger
// client, block-event subscribers, fanout hub and the web front door.
type Node struct {
	conf        *config.Provider
	conn        *ledger.GRPCConnection
	identities  *identity.Cache
	subscribers *events.Subscribers
	hub         *events.Hub
	server      *web.Server
}

// New loads the configuration found at confPath and wires the gateway.
func New(confPath string) (*Node, error) {
	conf, err := config.NewProvider(confPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:  conf.GetString("logging.format"),
		LogSpec: conf.GetString("logging.spec"),
		Writer:  os.Stderr,
	})

	channel := conf.GetString("channel.name")
	chaincode := conf.GetString("channel.chaincode")
	if len(channel) == 0 || len(chaincode) == 0 {
		return nil, errors.New("channel.name and channel.chaincode must be configured")
	}

	var peerConf ledger.ConnectionConfig
	if err := conf.UnmarshalKey("ledger.peer", &peerConf); err != nil {
		return nil, errors.WithMessage(err, "invalid ledger.peer configuration")
	}
	peerConf.TLSRootCertFile = conf.TranslatePath(peerConf.TLSRootCertFile)
	conn, err := ledger.NewGRPCConnection(peerConf)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	subscribers := events.NewSubscribers(conn, hub)

	mspIDs := map[string]string{}
	if conf.IsSet("identity.organizations") {
		if err := conf.UnmarshalKey("identity.organizations", &mspIDs); err != nil {
			return nil, errors.WithMessage(err, "invalid identity.organizations configuration")
		}
	}
	issuer := identity.NewFolderIssuer(conf.GetPath("identity.mspRoot"), func(org string) string {
		if mspID, ok := mspIDs[org]; ok {
			return mspID
		}
		return org + "MSP"
	})

	// the first successful creation of an identity is the one place a
	// subscription start originates; the cache fires this at most once per
	// identity and the registry keeps the stream alive past the request
	identities := identity.NewCache(issuer, func(id *identity.Identity) {
		if _, err := subscribers.Start(channel, id); err != nil {
			logger.Errorf("subscription start for [%s] failed: %s", id.Key(), err)
		}
	})

	client := ledger.NewClient(conn, conf.GetDuration("ledger.requestTimeout"))

	webLogger := logging.MustGetLogger("gateway.web")
	h := web.NewHttpHandler(webLogger)
	d := &web.Dispatcher{
		Logger:      webLogger,
		Identities:  identities,
		Ledger:      client,
		Subscribers: subscribers,
		Channel:     channel,
		Chaincode:   chaincode,
	}
	d.Wire(h)
	h.Mount("/ws", "GET", &web.WSUpgrade{Logger: webLogger, Hub: hub})
	h.Mount("/metrics", "GET", web.MetricsHandler())
	h.Mount("/logspec", "GET", logging.NewSpecHandler())
	h.Mount("/logspec", "PUT", logging.NewSpecHandler())

	handler := web.Chain(h,
		web.WithRecovery(webLogger),
		web.WithCORS(),
		web.WithRequestID(),
		web.WithRequestLogging(webLogger),
		web.WithMetrics(h),
	)

	var tlsConf web.TLS
	if conf.GetBool("web.tls.enabled") {
		var clientRootCAs []string
		for _, path := range conf.GetStringSlice("web.tls.clientRootCAs.files") {
			clientRootCAs = append(clientRootCAs, conf.TranslatePath(path))
		}
		tlsConf = web.TLS{
			Enabled:           true,
			CertFile:          conf.GetPath("web.tls.cert.file"),
			KeyFile:           conf.GetPath("web.tls.key.file"),
			ClientCACertFiles: clientRootCAs,
		}
	}
	server := web.NewServer(web.Options{
		ListenAddress: conf.GetString("web.address"),
		TLS:           tlsConf,
		ReadTimeout:   conf.GetDuration("web.readTimeout"),
		WriteTimeout:  conf.GetDuration("web.writeTimeout"),
		Logger:        webLogger,
	}, handler)

	return &Node{
		conf:        conf,
		conn:        conn,
		identities:  identities,
		subscribers: subscribers,
		hub:         hub,
		server:      server,
	}, nil
}

// Start serves until Stop is called.
func (n *Node) Start() error {
	logger.Infof("****************** SERVER STARTED ************************")
	return n.server.Start()
}

// Stop tears down subscriptions, drains the web server and closes the
// peer connection.
func (n *Node) Stop() {
	n.subscribers.StopAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.server.Stop(ctx); err != nil {
		logger.Errorf("error stopping web server: %s", err)
	}
	if err := n.conn.Close(); err != nil {
		logger.Errorf("error closing peer connection: %s", err)
	}
}
