package main

import (
	"flag"
	"time"
)

// Options holds CLI options for the node.
type Options struct {
	ConfigPath  string
	PrintConfig bool
	Metrics     string
	Timeout     time.Duration
	Script      string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("whalgebra-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	fs.StringVar(&opts.Metrics, "metrics", "", "Serve prometheus metrics on this address (overrides metrics.listen)")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Per-call timeout (overrides dispatch.default_timeout_ms)")
	fs.StringVar(&opts.Script, "e", "", "Run the given commands (separated by ';') instead of reading stdin")
	_ = fs.Parse(args)
	return opts
}
