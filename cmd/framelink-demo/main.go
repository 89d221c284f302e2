// Command framelink-demo runs both endpoints of a FrameLink session in
// one process, wired over the in-memory bus. It walks the full protocol:
// Setup handshake, version negotiation, configuration persistence, the
// Transport handshake for the established session, and one MCP
// request/response exchange.
//
// Usage:
//
//	framelink-demo [flags]
//
// Flags:
//
//	-outer-origin string  Origin of the controller frame (default "https://app.example.com")
//	-inner-origin string  Origin of the embedded frame (default "https://server.example.com")
//	-store string         Server-config store: "memory" or a file path (default "memory")
//	-protocol-log string  Write CBOR protocol events to this file
//	-fail-setup           Make the embedded side fail its setup work
//	-verbose              Print protocol events to stderr
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/framelink-protocol/framelink-go/pkg/handshake"
	framelog "github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/router"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/store"
	"github.com/framelink-protocol/framelink-go/pkg/transport"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

type options struct {
	outerOrigin string
	innerOrigin string
	storeflag   string
	protocolLog string
	failSetup   bool
	verbose     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.outerOrigin, "outer-origin", "https://app.example.com", "Origin of the controller frame")
	flag.StringVar(&opts.innerOrigin, "inner-origin", "https://server.example.com", "Origin of the embedded frame")
	flag.StringVar(&opts.storeflag, "store", "memory", `Server-config store: "memory" or a file path`)
	flag.StringVar(&opts.protocolLog, "protocol-log", "", "Write CBOR protocol events to this file")
	flag.BoolVar(&opts.failSetup, "fail-setup", false, "Make the embedded side fail its setup work")
	flag.BoolVar(&opts.verbose, "verbose", false, "Print protocol events to stderr")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "framelink-demo:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger, closeLogger, err := buildLogger(opts)
	if err != nil {
		return err
	}
	defer closeLogger()

	st, err := buildStore(opts.storeflag)
	if err != nil {
		return err
	}
	defer st.Close()

	outerOrigin := origin.Origin(opts.outerOrigin)
	innerOrigin := origin.Origin(opts.innerOrigin)
	registry := session.NewRegistry()

	fmt.Println("== Setup phase ==")
	sessionID, err := runSetup(opts, logger, st, registry, outerOrigin, innerOrigin)
	if err != nil {
		return err
	}
	fmt.Printf("setup complete, session %s\n", sessionID)
	fmt.Printf("server config persisted under %q\n", store.ServerConfigKey(sessionID))

	fmt.Println("== Transport phase ==")
	return runTransport(logger, st, registry, outerOrigin, innerOrigin, sessionID)
}

func buildLogger(opts options) (framelog.Logger, func(), error) {
	var sinks []framelog.Logger
	closer := func() {}

	if opts.verbose {
		sinks = append(sinks, framelog.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))))
	}
	if opts.protocolLog != "" {
		fl, err := framelog.NewFileLogger(opts.protocolLog)
		if err != nil {
			return nil, nil, fmt.Errorf("open protocol log: %w", err)
		}
		sinks = append(sinks, fl)
		closer = func() { fl.Close() }
	}

	switch len(sinks) {
	case 0:
		return framelog.NoopLogger{}, closer, nil
	case 1:
		return sinks[0], closer, nil
	default:
		return framelog.NewMultiLogger(sinks...), closer, nil
	}
}

func buildStore(target string) (store.Store, error) {
	if target == "" || target == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewFileStore(target), nil
}

func runSetup(opts options, logger framelog.Logger, st store.Store, registry *session.Registry, outerOrigin, innerOrigin origin.Origin) (string, error) {
	bus := transport.NewBus()

	outer, err := handshake.NewOuterSetup(handshake.Config{
		AllowedOrigins:    origin.Allowlist{innerOrigin},
		SupportedVersions: []version.Version{version.MustParse("1.0.0"), version.MustParse("1.1.0")},
		Logger:            logger,
	}, handshake.OuterDeps{
		Registry: registry,
		Store:    st,
		Permissions: handshake.PermissionSinkFunc(func(sessionID string, perms []wire.PermissionRequirement) {
			for _, p := range perms {
				fmt.Printf("permission requested by %s: %s (%s)\n", sessionID, p.Name, p.Purpose)
			}
		}),
		Hooks: handshake.Hooks{
			OnStateChange: statePrinter("outer"),
		},
	})
	if err != nil {
		return "", err
	}

	var inner *handshake.Inner
	inner, err = handshake.NewInnerSetup(handshake.Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
		RequestedRange: version.Range{
			Min: version.MustParse("1.0.0"),
			Max: version.MustParse("1.2.0"),
		},
		RequestedPermissions: []wire.PermissionRequirement{{
			Name:     "network",
			Phases:   []wire.PermissionPhase{wire.PhaseTransport},
			Required: true,
			Purpose:  "reach the backing API",
		}},
		Logger: logger,
	}, handshake.InnerDeps{
		Hooks: handshake.Hooks{
			OnStateChange: statePrinter("inner"),
			OnSetupWork: func(*session.Session) {
				if opts.failSetup {
					inner.FailSetup(wire.CodeAuthFailed, "demo forced failure")
					return
				}
				inner.CompleteSetup(handshake.SetupResult{
					DisplayName:      "Demo MCP Server",
					EphemeralMessage: "Connected to the demo backend",
					TransportVisibility: wire.TransportVisibility{
						Requirement: wire.VisibilityHidden,
					},
				})
			},
		},
	})
	if err != nil {
		return "", err
	}

	// Listener registration strictly precedes creation of the inner
	// context; navigating first can lose the opening handshake.
	outerCtx := bus.Open(outerOrigin, outer.Listen())
	innerCtx := bus.Open(innerOrigin, inner.Listener())
	outer.SetSender(outerCtx.SenderTo(innerCtx))
	inner.SetSender(innerCtx.SenderTo(outerCtx))

	if err := inner.Begin(); err != nil {
		return "", err
	}

	if !outer.Ready() || !inner.Ready() {
		reason, _ := outer.FailureReason()
		if reason == "" {
			reason, _ = inner.FailureReason()
		}
		return "", fmt.Errorf("setup failed: %s", reason)
	}
	return outer.Session().ID, nil
}

func runTransport(logger framelog.Logger, st store.Store, registry *session.Registry, outerOrigin, innerOrigin origin.Origin, sessionID string) error {
	bus := transport.NewBus()

	outer, err := handshake.NewOuterTransport(handshake.Config{
		AllowedOrigins: origin.Allowlist{innerOrigin},
		SessionID:      sessionID,
		Logger:         logger,
	}, handshake.OuterDeps{Registry: registry, Store: st, Hooks: handshake.Hooks{
		OnStateChange: statePrinter("outer"),
	}})
	if err != nil {
		return err
	}
	inner, err := handshake.NewInnerTransport(handshake.Config{
		AllowedOrigins: origin.Allowlist{outerOrigin},
		Logger:         logger,
	}, handshake.InnerDeps{Hooks: handshake.Hooks{
		OnStateChange: statePrinter("inner"),
	}})
	if err != nil {
		return err
	}

	// The embedded side answers tools/list with an empty tool set.
	serverRouter := router.New(inner, func(payload json.RawMessage) {
		fmt.Printf("inner received MCP request: %s\n", payload)
		response := []byte(`{"jsonrpc":"2.0","result":{"tools":[]},"id":1}`)
		if err := inner.SendMCP(response); err != nil {
			fmt.Fprintln(os.Stderr, "inner send failed:", err)
		}
	}, logger)
	inner.SetMCPHandler(serverRouter.Inbound())

	clientRouter := router.New(outer, func(payload json.RawMessage) {
		fmt.Printf("outer received MCP response: %s\n", payload)
	}, logger)
	outer.SetMCPHandler(clientRouter.Inbound())

	outerCtx := bus.Open(outerOrigin, outer.Listen())
	innerCtx := bus.Open(innerOrigin, inner.Listener())
	outer.SetSender(outerCtx.SenderTo(innerCtx))
	inner.SetSender(innerCtx.SenderTo(outerCtx))

	if err := inner.Begin(); err != nil {
		return err
	}
	if !outer.Ready() || !inner.Ready() {
		return fmt.Errorf("transport handshake did not complete: outer %s, inner %s", outer.State(), inner.State())
	}
	fmt.Printf("transport ready for session %s\n", sessionID)

	if err := clientRouter.Send([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)); err != nil {
		return fmt.Errorf("send MCP request: %w", err)
	}
	return nil
}

func statePrinter(side string) func(old, new handshake.State, reason string) {
	return func(old, new handshake.State, reason string) {
		fmt.Printf("%s: %s -> %s (%s)\n", side, old, new, reason)
	}
}
