/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package web

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

// TLS holds the front door's TLS material.
type TLS struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCACertFiles []string
}

func (t TLS) config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed loading server TLS key pair")
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if len(t.ClientCACertFiles) != 0 {
		pool := x509.NewCertPool()
		for _, f := range t.ClientCACertFiles {
			pem, err := os.ReadFile(f)
			if err != nil {
				return nil, errors.Wrapf(err, "failed loading client CA cert [%s]", f)
			}
			pool.AppendCertsFromPEM(pem)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Options configures the web server.
type Options struct {
	ListenAddress string
	TLS           TLS
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Logger        logging.Logger
}

// Server is the REST/WebSocket front door.
type Server struct {
	options    Options
	httpServer *http.Server
	logger     logging.Logger
}

func NewServer(options Options, handler http.Handler) *Server {
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = 240 * time.Second
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 240 * time.Second
	}
	return &Server{
		options: options,
		logger:  options.Logger,
		httpServer: &http.Server{
			Addr:         options.ListenAddress,
			Handler:      handler,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
		},
	}
}

// Start listens and serves until Stop is called. It returns once the
// listener is torn down; http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	tlsConfig, err := s.options.TLS.config()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.options.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed listening on [%s]", s.options.ListenAddress)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	s.logger.Infof("web server listening on [%s], tls [%v]", s.options.ListenAddress, tlsConfig != nil)
	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infof("web server shutting down")
	return s.httpServer.Shutdown(ctx)
}
