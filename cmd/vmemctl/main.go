// Command vmemctl inspects and edits a gojovmem store file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sushant-115/gojovmem/core/store"
	"github.com/sushant-115/gojovmem/core/vmem"
	"github.com/sushant-115/gojovmem/pkg/config"
	"github.com/sushant-115/gojovmem/pkg/logger"
	"github.com/sushant-115/gojovmem/pkg/telemetry"
	"go.uber.org/zap"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config     string `name:"config" short:"c" type:"path" help:"YAML config file."`
	DB         string `name:"db" short:"d" type:"path" help:"Store file. Overrides store.path."`
	PageSize   int    `name:"page-size" help:"Page size for a new store file. Overrides store.page_size."`
	Mapping    string `name:"mapping" help:"Page mapping mode (auto, mmap, file)."`
	LogBackend string `name:"log-backend" enum:"zap,hclog,bridge" default:"zap" help:"Logger used for pool diagnostics. bridge sends hclog calls through zap."`
	LogLevel   string `name:"log-level" help:"Overrides logger.level."`
}

var cli struct {
	Globals

	Put        PutCmd      `cmd:"" help:"Store a value under a key."`
	Get        GetCmd      `cmd:"" help:"Print the value stored under a key."`
	Del        DelCmd      `cmd:"" help:"Delete a key."`
	Scan       ScanCmd     `cmd:"" help:"List keys in order."`
	Stats      StatsCmd    `cmd:"" help:"Print store and page cache statistics."`
	Check      CheckCmd    `cmd:"" help:"Verify the on-disk structure."`
	Snapshot   SnapshotCmd `cmd:"" help:"Copy a consistent image of the store file."`
	Shell      ShellCmd    `cmd:"" help:"Interactive shell."`
	ShowConfig ConfigCmd   `cmd:"" name:"config-show" help:"Print the effective config."`
}

// app is an opened store plus the loggers and telemetry around it.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
	tel   *telemetry.Telemetry
}

func (g *Globals) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return nil, err
		}
	}
	if g.DB != "" {
		cfg.Store.Path = g.DB
	}
	if g.PageSize != 0 {
		cfg.Store.PageSize = g.PageSize
	}
	if g.Mapping != "" {
		cfg.Store.Mapping = g.Mapping
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	return cfg, cfg.Validate()
}

func (g *Globals) open() (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	opts := []store.Option{
		store.WithLogger(log),
		store.WithMeter(tel.Meter),
		store.WithTracer(tel.Tracer),
	}
	switch g.LogBackend {
	case "hclog":
		hl, err := logger.NewHclog(cfg.Logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithLogSink(vmem.NewHclogSink(hl.Named("vmem"))))
	case "bridge":
		opts = append(opts, store.WithLogSink(vmem.NewHclogSink(logger.NewZapHclog(log).Named("vmem"))))
	}

	s, err := store.Open(cfg.Store, opts...)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: s, tel: tel}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	if serr := a.tel.Shutdown(context.Background()); serr != nil && err == nil {
		err = serr
	}
	_ = a.log.Sync()
	return err
}

// withStore opens the store, runs fn and closes it again.
func (g *Globals) withStore(fn func(ctx context.Context, a *app) error) (err error) {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(context.Background(), a)
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("vmemctl"),
		kong.Description("Inspect and edit a gojovmem store file."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
