package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/overseer/config"
	"github.com/tomyedwab/overseer/internal/log"
	"github.com/tomyedwab/overseer/node"
	"github.com/tomyedwab/overseer/service"
	"github.com/tomyedwab/overseer/store"
	"github.com/tomyedwab/overseer/supervisor"
)

var flagStopOnExit bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start supervising the configured services; SIGHUP reloads the config",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("overseer",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Connect("sqlite3", cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state database %s: %w", cfg.StateDB, err)
	}
	defer db.Close()
	st, err := store.Open(db)
	if err != nil {
		return err
	}

	locals := localNodes(cfg)
	nodes := make([]node.Node, 0, len(locals))
	for _, n := range locals {
		nodes = append(nodes, n)
	}
	sup, err := supervisor.New(supervisor.Config{
		Store:            st,
		Nodes:            nodes,
		Logger:           logger,
		MonitorInterval:  cfg.MonitorInterval,
		SnapshotInterval: cfg.SnapshotInterval,
		OnStateChange: func(svc *service.Service, from, to service.State) {
			if to == service.StateFailed || to == service.StateDegraded {
				logger.WarnContext(ctx, "Service unhealthy", "service", svc.Name(), "from", from, "to", to)
			}
		},
	})
	if err != nil {
		return err
	}

	// A partly invalid config still runs whatever could be applied.
	if err := sup.Apply(ctx, specs(cfg)); err != nil {
		logger.ErrorContext(ctx, "Applying configuration", "path", configPath, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return reloadOnHangup(gctx, sup)
	})
	err = g.Wait()

	if flagStopOnExit {
		if stopErr := sup.StopAll(context.WithoutCancel(ctx)); stopErr != nil {
			logger.Error("Stopping services", "error", stopErr)
		}
	}
	for _, n := range locals {
		n.Wait()
	}
	return err
}

// reloadOnHangup re-reads the config file and applies it on every SIGHUP.
// Nodes are fixed for the life of the process; only services are reloaded.
func reloadOnHangup(ctx context.Context, sup *supervisor.Supervisor) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			next, err := config.LoadFile(configPath)
			if err != nil {
				logger.ErrorContext(ctx, "Reload failed, keeping current services", "error", err)
				continue
			}
			logger.InfoContext(ctx, "Reloading configuration", "path", configPath, "services", len(next.Services))
			if err := sup.Apply(ctx, specs(next)); err != nil {
				logger.ErrorContext(ctx, "Applying configuration", "path", configPath, "error", err)
			}
		}
	}
}

func localNodes(c *config.Config) []*node.LocalNode {
	nodes := make([]*node.LocalNode, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, node.NewLocalNode(n.Name, node.LocalConfig{
			Shell:  n.Shell,
			Dir:    n.Dir,
			Env:    n.Env,
			Logger: logger,
		}))
	}
	return nodes
}

func specs(c *config.Config) []supervisor.ServiceSpec {
	out := make([]supervisor.ServiceSpec, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, supervisor.ServiceSpec{
			Config: service.Config{
				Name:    s.Name,
				Command: s.Command,
				PidFile: s.PidFile,
				Count:   s.Count,
			},
			Nodes: c.NodeNames(s),
		})
	}
	return out
}
