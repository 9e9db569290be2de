// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cmd contains the Cobra commands of the mcsb tool.
package cmd

import (
	"fmt"
	"strconv"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/config"
	"github.com/absmach/mcsb/transport/memory"
	"github.com/spf13/cobra"
)

// rootFlags carries the persistent flags shared by every subcommand.
type rootFlags struct {
	configFile string
	loopback   bool
	mcsb       *config.Flags

	mgr *memory.Manager
}

// NewRoot constructs the mcsb root command with the sink, source, ping and
// config subcommands.
func NewRoot() *cobra.Command {
	return newRoot(nil)
}

// newRoot builds the command tree. With --loopback every client talks to
// mgr; a nil mgr is created on first use.
func newRoot(mgr *memory.Manager) *cobra.Command {
	rf := &rootFlags{mgr: mgr}
	root := &cobra.Command{
		Use:           "mcsb",
		Short:         "MCSB client tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rf.configFile, "config", "", "path to a YAML configuration file")
	pf.BoolVar(&rf.loopback, "loopback", false, "use an in-process manager instead of the control socket")
	rf.mcsb = config.BindFlags(pf)

	root.AddCommand(
		newSinkCommand(rf),
		newSourceCommand(rf),
		newPingCommand(rf),
		newConfigCommand(rf),
	)
	return root
}

func (rf *rootFlags) manager() *memory.Manager {
	if rf.mgr == nil {
		rf.mgr = memory.NewManager(memory.DefaultConfig())
	}
	return rf.mgr
}

func parseMessageID(s string) (client.MessageID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message ID %q", s)
	}
	return client.MessageID(v), nil
}
