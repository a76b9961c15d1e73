// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brumewallet/brumed/background"
	"github.com/brumewallet/brumed/common"
	"github.com/brumewallet/brumed/config"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/internal/profiling"
)

type options struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "brumed",
		Short: "Brume wallet background daemon",
		Long: `brumed is the background of the Brume wallet.  It serves the page
scripts, the wallet pages and the browser host over local channels, asks
the user to approve dapp requests in a popup, keeps WalletConnect relay
sessions alive and sends every chain request through an anonymizing
circuit.

Signals:
* SIGHUP rotates the log file
* SIGINT and SIGTERM shut the daemon down`,
		Example: `  # Start with the default configuration file
  brumed

  # Start with a specific configuration file
  brumed -f /etc/brume/brumed.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "f", "brumed.toml",
		"path to the daemon configuration file (TOML format)")
	return cmd
}

func main() {
	common.Execute(newRootCommand())
}

func run(opts options) error {
	if opts.configFile == "" {
		return fmt.Errorf("config file must be specified")
	}

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		if nProcs, nCPU := runtime.GOMAXPROCS(0), runtime.NumCPU(); nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", opts.configFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	d, err := background.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn daemon: %v", err)
	}
	defer d.Shutdown()

	log := d.LogBackend().GetLogger("brumed")
	instrument.Init(cfg.Metrics.Address, d.LogBackend().StdLogger("metrics", "WARNING"))
	if err := profiling.Start(log); err != nil {
		log.Warningf("Failed to start profiling: %v", err)
	}

	go func() {
		<-haltCh
		d.Shutdown()
	}()
	go func() {
		for range rotateCh {
			d.RotateLog()
		}
	}()

	d.Wait()
	return nil
}
