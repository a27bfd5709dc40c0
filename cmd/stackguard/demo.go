package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/danmuck/stackguard/internal/guard"
	"github.com/danmuck/stackguard/internal/observability"
	"github.com/danmuck/stackguard/internal/shadow"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	Capacity    int64
	Pushes      int
	Value       float64
	Tamper      bool
	MetricsAddr string
	Linger      time.Duration
}

var demoOpts = demoOptions{Pushes: 80, Value: 5}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Init a guarded stack, push, pop, dump and destruct it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		opts := demoOpts
		if !cmd.Flags().Changed("capacity") {
			opts.Capacity = cfg.Capacity
		}
		if !cmd.Flags().Changed("metrics-addr") {
			opts.MetricsAddr = cfg.MetricsAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runDemo(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	flags := demoCmd.Flags()
	flags.Int64Var(&demoOpts.Capacity, "capacity", 0, "initial capacity (0 uses the config value)")
	flags.IntVar(&demoOpts.Pushes, "pushes", demoOpts.Pushes, "number of pushes before the pop")
	flags.Float64Var(&demoOpts.Value, "value", demoOpts.Value, "value to push")
	flags.BoolVar(&demoOpts.Tamper, "tamper", false, "overwrite the leading data sentinel before popping")
	flags.StringVar(&demoOpts.MetricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	flags.DurationVar(&demoOpts.Linger, "linger", 0, "keep the admin endpoint up this long after the run")
}

func runDemo(ctx context.Context, cfg appConfig, opts demoOptions, out, diag io.Writer) error {
	gcfg, err := cfg.guardConfig()
	if err != nil {
		return err
	}
	sup, err := shadow.Start(ctx, cfg.shadowConfig())
	if err != nil {
		return err
	}
	g, err := guard.New(gcfg, sup)
	if err != nil {
		_ = sup.Close(ctx)
		return err
	}
	defer func() {
		if err := g.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("guard close")
		}
	}()

	adminDone := make(chan error, 1)
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	if opts.MetricsAddr != "" {
		admin := observability.NewAdmin(opts.MetricsAddr, cfg.AdminOrigins, func() any { return g.Status() })
		go func() { adminDone <- admin.Serve(adminCtx) }()
	} else {
		adminDone <- nil
	}

	h, err := g.Init(ctx, opts.Capacity)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Fprintf(out, "initialized stack (session %s)\n", sup.Session())

	for i := 0; i < opts.Pushes; i++ {
		if err := g.Push(ctx, h, opts.Value); err != nil {
			fmt.Fprintf(out, "push %d: %v\n", i, err)
			break
		}
	}

	if opts.Tamper {
		block, err := g.RawBlock(h)
		if err == nil && len(block) > 0 {
			block[0] ^= 0xFF
			fmt.Fprintln(out, "tampered with the leading data sentinel")
		}
	}

	v, err := g.Pop(ctx, h)
	if err != nil {
		fmt.Fprintf(out, "pop: %v\n", err)
	} else {
		fmt.Fprintf(out, "popped %g\n", v)
	}
	fmt.Fprintf(out, "flags: %s\n", g.Flags(h))

	if err := g.Dump(h, diag); err != nil {
		return err
	}
	if err := g.Destruct(ctx, h); err != nil {
		return fmt.Errorf("destruct: %w", err)
	}
	fmt.Fprintln(out, "destroyed stack")

	if opts.MetricsAddr != "" && opts.Linger > 0 {
		select {
		case <-time.After(opts.Linger):
		case <-ctx.Done():
		}
	}
	stopAdmin()
	return <-adminDone
}
