// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/spf13/pflag"
)

// Flag names.
const (
	FlagProducerBytes   = "mcsb-prod-bytes"
	FlagConsumerBytes   = "mcsb-cons-bytes"
	FlagProducerSlabs   = "mcsb-prod-slabs"
	FlagConsumerSlabs   = "mcsb-cons-slabs"
	FlagCtrlSock        = "mcsb-ctrl-sock"
	FlagClientName      = "mcsb-client-name"
	FlagGroup           = "mcsb-group"
	FlagCRCPolicy       = "mcsb-crc-policy"
	FlagVerbosity       = "mcsb-verbosity"
	FlagShutdownTimeout = "mcsb-shutdown-timeout"
	FlagLogFormat       = "mcsb-log-format"
)

// Flags holds the command line overrides. Only flags the user set are
// applied, so an unset flag never masks a value from the file or the
// environment.
type Flags struct {
	fs *pflag.FlagSet

	producerBytes   Size
	consumerBytes   Size
	producerSlabs   int
	consumerSlabs   int
	ctrlSock        string
	clientName      string
	group           string
	crcPolicy       crc.Policy
	verbosity       int
	shutdownTimeout time.Duration
	logFormat       string
}

// BindFlags registers the --mcsb-* flags on fs. The defaults shown in help
// text are the compiled-in defaults.
func BindFlags(fs *pflag.FlagSet) *Flags {
	def := Default()
	f := &Flags{
		fs:            fs,
		producerBytes: def.Client.ProducerBytes,
		consumerBytes: def.Client.ConsumerBytes,
		crcPolicy:     def.Client.CRCPolicy,
	}

	fs.Var(&f.producerBytes, FlagProducerBytes, "minimum producer buffer bytes (K, M, G, T suffixes)")
	fs.Var(&f.consumerBytes, FlagConsumerBytes, "minimum consumer buffer bytes (K, M, G, T suffixes)")
	fs.IntVar(&f.producerSlabs, FlagProducerSlabs, def.Client.ProducerSlabs, "minimum producer slabs")
	fs.IntVar(&f.consumerSlabs, FlagConsumerSlabs, def.Client.ConsumerSlabs, "minimum consumer slabs")
	fs.StringVar(&f.ctrlSock, FlagCtrlSock, def.Client.CtrlSock, "manager control socket; %U is the user name")
	fs.StringVar(&f.clientName, FlagClientName, "", "client name reported to the manager (default program[pid])")
	fs.StringVar(&f.group, FlagGroup, "", "group to join; members never receive each other's messages")
	fs.Var(&f.crcPolicy, FlagCRCPolicy, "CRC policy: OFF, SET, VERIFY, ON or DEFAULT")
	fs.IntVarP(&f.verbosity, FlagVerbosity, "v", def.Log.Verbosity, "log verbosity, 0 critical .. 5 debug")
	fs.DurationVar(&f.shutdownTimeout, FlagShutdownTimeout, def.Client.ShutdownTimeout, "drain bound after close")
	fs.StringVar(&f.logFormat, FlagLogFormat, def.Log.Format, "log format: text or json")

	return f
}

// Apply copies every flag the user set into c.
func (f *Flags) Apply(c *Config) {
	changed := f.fs.Changed
	if changed(FlagProducerBytes) {
		c.Client.ProducerBytes = f.producerBytes
	}
	if changed(FlagConsumerBytes) {
		c.Client.ConsumerBytes = f.consumerBytes
	}
	if changed(FlagProducerSlabs) {
		c.Client.ProducerSlabs = f.producerSlabs
	}
	if changed(FlagConsumerSlabs) {
		c.Client.ConsumerSlabs = f.consumerSlabs
	}
	if changed(FlagCtrlSock) {
		c.Client.CtrlSock = f.ctrlSock
	}
	if changed(FlagClientName) {
		c.Client.ClientName = f.clientName
	}
	if changed(FlagGroup) {
		c.Client.Group = f.group
	}
	if changed(FlagCRCPolicy) {
		c.Client.CRCPolicy = f.crcPolicy
	}
	if changed(FlagVerbosity) {
		c.Log.Verbosity = f.verbosity
	}
	if changed(FlagShutdownTimeout) {
		c.Client.ShutdownTimeout = f.shutdownTimeout
	}
	if changed(FlagLogFormat) {
		c.Log.Format = f.logFormat
	}
}
