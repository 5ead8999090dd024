/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtube-labs/ledger-gateway/pkg/logging"
	"github.com/mtube-labs/ledger-gateway/pkg/node"
)

var logger = logging.MustGetLogger("gateway.main")

func main() {
	var confPath string

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Operate the ledger REST gateway: start.",
	}
	rootCmd.PersistentFlags().StringVar(&confPath, "conf-dir", os.Getenv("GATEWAY_CFG_PATH"), "directory containing gateway.yaml")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Starts the gateway.",
		Long:  `Starts the REST/WebSocket gateway that exposes the ledger network.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(confPath)
			if err != nil {
				return err
			}

			go handleSignals(n)
			return n.Start()
		},
	}
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func handleSignals(n *node.Node) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Infof("received signal [%s], shutting down", sig)
	n.Stop()
}
