// Command spool is a terminal client for streamed agent sessions. It
// reconciles the server's ordered event stream into a live transcript, tool
// tree, and gate prompts, and queues outbound messages while a run is in
// flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/spool/pkg/bus"
	"github.com/odvcencio/spool/pkg/config"
	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/observability"
	"github.com/odvcencio/spool/pkg/run"
	"github.com/odvcencio/spool/pkg/session"
	"github.com/odvcencio/spool/pkg/simserver"
	"github.com/odvcencio/spool/pkg/transport/sse"
	"github.com/odvcencio/spool/pkg/transport/ws"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chat":
		err = cmdChat(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "demo":
		err = cmdDemo(os.Args[2:])
	case "logs":
		err = cmdLogs(os.Args[2:])
	case "version":
		fmt.Printf("spool %s (%s, built %s)\n", version, commit, buildDate)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`spool - terminal client for streamed agent sessions

Usage:
  spool chat [-config path] [-server url] [-transport sse|ws]
  spool serve [-addr host:port] [-rate n]
  spool demo
  spool logs [-n count] [-session id]
  spool version
`)
}

// cmdChat runs the interactive client against a real or simulated server.
func cmdChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	serverURL := fs.String("server", "", "override server base url")
	transportName := fs.String("transport", "", "override transport (sse or ws)")
	skipApprovals := fs.Bool("yolo", false, "auto-approve all tool calls")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	if *transportName != "" {
		cfg.Server.Transport = *transportName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runChat(ctx, cfg, *skipApprovals || cfg.Session.SkipApprovals)
}

// cmdServe runs the simulated agent server on its own.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8711", "listen address")
	eventRate := fs.Float64("rate", 8, "events per second (0 = unpaced)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := simserver.New(simserver.WithEventsPerSecond(*eventRate))
	fmt.Printf("simulated agent server on http://%s\n", *addr)
	return srv.ListenAndServe(ctx, *addr)
}

// cmdDemo runs the simulated server and the chat client in one process.
func cmdDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8711", "listen address for the embedded server")
	transportName := fs.String("transport", config.TransportSSE, "transport (sse or ws)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := simserver.New(simserver.WithEventsPerSecond(12))
	go srv.ListenAndServe(ctx, *addr)

	cfg := config.Default()
	cfg.Server.BaseURL = "http://" + *addr
	cfg.Server.Transport = *transportName

	fmt.Println("demo session against the embedded simulated server")
	fmt.Println(`try: "hello", "tools", "approve", "ask", "fail"`)
	return runChat(ctx, cfg, false)
}

// cmdLogs prints recent structured events for a session.
func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	sessionID := fs.String("session", "", "session id (required)")
	count := fs.Int("n", 50, "number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	events, err := logging.ReadRecentEvents(logging.SessionLogPath(cfg.Logging.Dir, *sessionID), *count)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s %-5s %-8s %-24s %s\n",
			ev.Timestamp.Format("15:04:05.000"), ev.Level, ev.Category, ev.EventType, ev.Message)
	}
	return nil
}

// buildController wires config into a transport, bus, logger, and controller.
func buildController(cfg *config.Config, skipApprovals bool, onUpdate run.Option) (*run.Controller, *logging.Logger, func(), error) {
	localSession := session.DefaultLocalID()
	log, err := logging.NewLogger(cfg.Logging.Dir, localSession)
	if err != nil {
		return nil, nil, nil, err
	}
	log.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	cleanups := []func(){func() { log.Close() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var transport run.Transport
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		transport, err = ws.NewClient(cfg.Server.BaseURL, ws.WithLogger(log))
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	default:
		transport = sse.NewClient(cfg.Server.BaseURL, sse.WithLogger(log))
	}

	var snapBus bus.MessageBus
	switch cfg.Bus.Driver {
	case config.BusNATS:
		nb, err := bus.NewNATSBus(bus.Config{URL: cfg.Bus.URL, Name: "spool-" + localSession})
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		snapBus = nb
	default:
		snapBus = bus.NewMemoryBus()
	}
	cleanups = append(cleanups, func() { snapBus.Close() })

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider("spool")
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(cfg.Metrics.Addr, mux)
	}

	opts := []run.Option{
		run.WithLogger(log),
		run.WithBus(snapBus),
		run.WithSkipApprovals(skipApprovals),
	}
	if onUpdate != nil {
		opts = append(opts, onUpdate)
	}
	ctrl := run.NewController(transport, opts...)
	return ctrl, log, cleanup, nil
}
