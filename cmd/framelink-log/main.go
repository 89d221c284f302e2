// Command framelink-log views and summarizes FrameLink protocol log
// files written by the CBOR file logger (framelink-demo -protocol-log,
// or any application using the log package).
//
// Usage:
//
//	framelink-log <command> [flags] <file.flog>
//
// Commands:
//
//	view     Print events in human-readable form
//	stats    Summarize a log file
//
// Examples:
//
//	# View all events
//	framelink-log view session.flog
//
//	# View only wire-layer events of one session
//	framelink-log view -layer wire -session 1b2d session.flog
//
//	# Summarize
//	framelink-log stats session.flog
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	framelog "github.com/framelink-protocol/framelink-go/pkg/log"
)

const usage = `framelink-log - FrameLink protocol log viewer

Usage:
  framelink-log <command> [flags] <file.flog>

Commands:
  view     Print events in human-readable form
  stats    Summarize a log file

Use "framelink-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "view":
		err = runView(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "framelink-log:", err)
		os.Exit(1)
	}
}

func parseFilter(fs *flag.FlagSet, args []string) (framelog.Filter, string, error) {
	var (
		sessionID string
		layer     string
		direction string
	)
	fs.StringVar(&sessionID, "session", "", "Filter by session id")
	fs.StringVar(&layer, "layer", "", "Filter by layer: wire, engine, router")
	fs.StringVar(&direction, "direction", "", "Filter by direction: in, out, local")
	if err := fs.Parse(args); err != nil {
		return framelog.Filter{}, "", err
	}
	if fs.NArg() != 1 {
		return framelog.Filter{}, "", errors.New("expected exactly one log file argument")
	}

	filter := framelog.Filter{SessionID: sessionID}
	switch layer {
	case "":
	case "wire":
		l := framelog.LayerWire
		filter.Layer = &l
	case "engine":
		l := framelog.LayerEngine
		filter.Layer = &l
	case "router":
		l := framelog.LayerRouter
		filter.Layer = &l
	default:
		return framelog.Filter{}, "", fmt.Errorf("unknown layer %q", layer)
	}
	switch direction {
	case "":
	case "in":
		d := framelog.DirectionIn
		filter.Direction = &d
	case "out":
		d := framelog.DirectionOut
		filter.Direction = &d
	case "local":
		d := framelog.DirectionLocal
		filter.Direction = &d
	default:
		return framelog.Filter{}, "", fmt.Errorf("unknown direction %q", direction)
	}
	return filter, fs.Arg(0), nil
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	filter, path, err := parseFilter(fs, args)
	if err != nil {
		return err
	}

	reader, err := framelog.NewFilteredReader(path, filter)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		printEvent(event)
	}
}

func printEvent(e framelog.Event) {
	ts := e.Timestamp.Format("15:04:05.000")
	prefix := fmt.Sprintf("%s %-5s %-6s %-6s", ts, e.LocalRole, e.Direction, e.Layer)
	if e.SessionID != "" {
		prefix += " " + short(e.SessionID)
	}

	switch {
	case e.Envelope != nil:
		target := ""
		if e.Envelope.Target != "" {
			target = " -> " + e.Envelope.Target
		}
		fmt.Printf("%s  %s (%d bytes)%s\n", prefix, e.Envelope.EnvelopeType, e.Envelope.Size, target)
	case e.StateChange != nil:
		fmt.Printf("%s  %s -> %s (%s)\n", prefix, e.StateChange.OldState, e.StateChange.NewState, e.StateChange.Reason)
	case e.Error != nil:
		marker := ""
		if e.Error.Fatal {
			marker = " FATAL"
		}
		fmt.Printf("%s  error%s: %s (%s)\n", prefix, marker, e.Error.Message, e.Error.Context)
	default:
		fmt.Printf("%s  (empty event)\n", prefix)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	filter, path, err := parseFilter(fs, args)
	if err != nil {
		return err
	}

	reader, err := framelog.NewFilteredReader(path, filter)
	if err != nil {
		return err
	}
	defer reader.Close()

	var (
		total     int
		byType    = map[string]int{}
		sessions  = map[string]struct{}{}
		errCount  int
		fatal     int
		wireBytes int
	)
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		total++
		if event.SessionID != "" {
			sessions[event.SessionID] = struct{}{}
		}
		if event.Envelope != nil {
			byType[event.Envelope.EnvelopeType]++
			wireBytes += event.Envelope.Size
		}
		if event.Error != nil {
			errCount++
			if event.Error.Fatal {
				fatal++
			}
		}
	}

	fmt.Printf("events:   %d\n", total)
	fmt.Printf("sessions: %d\n", len(sessions))
	fmt.Printf("errors:   %d (%d fatal)\n", errCount, fatal)
	fmt.Printf("wire:     %d bytes\n", wireBytes)
	if len(byType) > 0 {
		fmt.Println("envelopes:")
		for envType, n := range byType {
			fmt.Printf("  %-30s %d\n", envType, n)
		}
	}
	return nil
}
