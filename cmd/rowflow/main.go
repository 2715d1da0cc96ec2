// rowflow runs a graph described in a YAML file.
//
// The first interrupt safely stops the run: steps without inputs stop and
// buffered rows are processed to the end. A second interrupt stops every
// step immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/birdayz/rowflow"
	"github.com/birdayz/rowflow/internal/graphfile"
	"github.com/birdayz/rowflow/pkg/log"
	"github.com/birdayz/rowflow/rstep"
	"github.com/birdayz/rowflow/steps"
	"github.com/birdayz/rowflow/steps/kafka"
	"github.com/birdayz/rowflow/steps/sortrows"
)

// Config holds the command line settings.
type Config struct {
	Graph        string
	RowSetSize   int
	FeedbackSize int64
	LogFormat    string
	LogLevel     string
	SlotCount    int
	SlotNumber   int
	List         bool
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseFlags(args []string, stderr io.Writer) (*Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("rowflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Graph, "graph", "", "path of the YAML graph to run")
	fs.IntVar(&cfg.RowSetSize, "rowset-size", envInt("ROWFLOW_ROWSET_SIZE", rowflow.DefaultRowSetSize), "capacity of every row set without an explicit size")
	fs.Int64Var(&cfg.FeedbackSize, "feedback-size", rowflow.DefaultFeedbackSize, "rows between progress log lines, 0 disables them")
	fs.StringVar(&cfg.LogFormat, "log-format", envString("ROWFLOW_LOG_FORMAT", log.DefaultFormat()), "console or json")
	fs.StringVar(&cfg.LogLevel, "log-level", envString("ROWFLOW_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.IntVar(&cfg.SlotCount, "slots", 1, "number of executor slots running this graph")
	fs.IntVar(&cfg.SlotNumber, "slot", 0, "slot number of this process")
	fs.BoolVar(&cfg.List, "list", false, "list the available step logics and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Graph == "" && fs.NArg() == 1 {
		cfg.Graph = fs.Arg(0)
	}
	if cfg.Graph == "" && !cfg.List {
		return nil, fmt.Errorf("a graph file is required")
	}
	return &cfg, nil
}

func newRegistry() *rstep.Registry {
	r := steps.NewRegistry()
	r.MustRegister(sortrows.Plugin())
	for _, p := range kafka.Plugins() {
		r.MustRegister(p)
	}
	return r
}

// run executes the command and returns the exit code. interrupts delivers
// the signals that stop the run.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, interrupts <-chan os.Signal) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	registry := newRegistry()
	if cfg.List {
		for _, id := range registry.IDs() {
			p, _ := registry.Lookup(id)
			fmt.Fprintf(stdout, "%-14s %s\n", id, p.Description)
		}
		return 0
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger, err := log.NewSlog(stderr, cfg.LogFormat, level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	graph, err := graphfile.LoadFile(cfg.Graph, registry)
	if err != nil {
		logger.Error("Failed to load graph", "path", cfg.Graph, "error", err)
		return 1
	}

	t, err := rowflow.New(graph, registry,
		rowflow.WithLog(logger),
		rowflow.WithRowSetSize(cfg.RowSetSize),
		rowflow.WithFeedbackSize(cfg.FeedbackSize),
		rowflow.WithSlots(cfg.SlotCount, cfg.SlotNumber),
	)
	if err != nil {
		logger.Error("Failed to create run", "error", err)
		return 1
	}

	if err := t.Prepare(ctx); err != nil {
		fmt.Fprint(stdout, t.WaitUntilFinished())
		return 1
	}
	if err := t.Start(ctx); err != nil {
		logger.Error("Failed to start run", "error", err)
		return 1
	}

	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case sig := <-interrupts:
				n++
				if n == 1 {
					logger.Info("Received signal, stopping safely; repeat to stop immediately", "signal", sig)
					t.SafeStop()
					continue
				}
				logger.Info("Received signal, stopping immediately", "signal", sig)
				t.StopAll()
			}
		}
	}()

	res := t.WaitUntilFinished()
	close(done)

	fmt.Fprint(stdout, res)
	if !res.Success {
		return 1
	}
	return 0
}

func main() {
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, interrupts))
}
