// Command devlink-log views and analyzes devlink protocol traces.
//
// Trace files are written by devlink when run with -protocol-log.
//
// Usage:
//
//	devlink-log <command> [flags] <file.plog>
//
// Commands:
//
//	view     View events in human-readable format
//	stats    Show statistics about the trace
//	export   Export events as JSON lines or CSV
//	filter   Copy matching events into a new trace file
//
// Examples:
//
//	# View only DATA frames on one channel
//	devlink-log view -frame-type data -channel a0d0aaf4-1072-4d81-aa35-902a954b1266 session.plog
//
//	# Show statistics
//	devlink-log stats session.plog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/devlink-protocol/devlink-go/cmd/devlink-log/commands"
)

const usage = `devlink-log - devlink Protocol Trace Analyzer

Usage:
  devlink-log <command> [flags] <file.plog>

Commands:
  view     View events in human-readable format
  stats    Show statistics about the trace
  export   Export events as JSON lines or CSV
  filter   Copy matching events into a new trace file

A file argument of "-" reads the trace from standard input.

Use "devlink-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "stats":
		err = runStats(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet creates a flag set with the filter flags every command shares.
func newFlagSet(name, summary string, opts *commands.FilterOptions) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "devlink-log %s - %s\n\nUsage:\n  devlink-log %s [flags] <file.plog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	if opts != nil {
		fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID")
		fs.StringVar(&opts.DeviceID, "device-id", "", "Filter by peer device ID")
		fs.StringVar(&opts.ChannelID, "channel", "", "Filter by channel ID")
		fs.StringVar(&opts.FrameType, "frame-type", "", "Filter by frame type (version, open, close, credit, data)")
		fs.StringVar(&opts.TimeStart, "time-start", "", "Only events at or after this RFC 3339 time")
		fs.StringVar(&opts.TimeEnd, "time-end", "", "Only events before this RFC 3339 time")
		fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, mux, channel)")
		fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
		fs.StringVar(&opts.Category, "category", "", "Filter by category (frame, state, error)")
	}
	return fs
}

// parsePath parses args and returns the trace file argument.
func parsePath(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return "", fmt.Errorf("log file path required")
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	var opts commands.FilterOptions
	fs := newFlagSet("view", "View events in human-readable format", &opts)
	path, err := parsePath(fs, args)
	if err != nil {
		return err
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}
	return commands.RunView(path, filter, os.Stdout)
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "Show statistics about the trace", nil)
	path, err := parsePath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}

func runExport(args []string) error {
	var opts commands.FilterOptions
	fs := newFlagSet("export", "Export events as JSON lines or CSV", &opts)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path, err := parsePath(fs, args)
	if err != nil {
		return err
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}

	w := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return commands.RunExport(path, *format, filter, w)
}

func runFilter(args []string) error {
	var opts commands.FilterOptions
	fs := newFlagSet("filter", "Copy matching events into a new trace file", &opts)
	output := fs.String("o", "", "Output file (required)")
	path, err := parsePath(fs, args)
	if err != nil {
		return err
	}
	if *output == "" {
		return fmt.Errorf("output file required (-o)")
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}

	n, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		return err
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
	return nil
}
