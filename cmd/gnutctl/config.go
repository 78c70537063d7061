package main

import (
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

var (
	defaultDebugServer        = "localhost:6060"
	defaultTimeout     uint64 = 30
)

type configFlags struct {
	DebugServer          string `short:"s" long:"debugserver" description:"Debug API server of the node to query"`
	Timeout              uint64 `short:"t" long:"timeout" description:"Timeout for the request (in seconds)"`
	ListCommands         bool   `short:"l" long:"list-commands" description:"List all commands and exit"`
	CommandAndParameters []string
}

func parseConfig(args []string) (*configFlags, error) {
	cfg := &configFlags{
		DebugServer: defaultDebugServer,
		Timeout:     defaultTimeout,
	}
	parser := flags.NewParser(cfg, flags.HelpFlag)
	parser.Usage = "gnutctl [OPTIONS] [COMMAND] [COMMAND PARAMETERS]" +
		"\n\nUse `gnutctl --list-commands` to get a list of all commands and their parameters"
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	if cfg.ListCommands {
		return cfg, nil
	}

	cfg.CommandAndParameters = remainingArgs
	if len(cfg.CommandAndParameters) == 0 {
		return nil, errors.New("A command must be specified")
	}

	return cfg, nil
}
