package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"marl-mappo/internal/cartpole"
	"marl-mappo/internal/config"
	"marl-mappo/internal/history"
	"marl-mappo/internal/server"
	"marl-mappo/internal/telemetry"
	"marl-mappo/internal/train"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training session on team cart-pole",
		RunE:  runTrain,
	}
	cmd.Flags().StringP("config", "c", "", "YAML configuration file")
	cmd.Flags().Uint64("seed", 0, "Random seed (overrides SEED)")
	cmd.Flags().String("redis", getenv("MAPPO_REDIS_ADDR", ""), "Redis address for run history; in-memory when empty")
	cmd.Flags().Int("redis-db", getenvInt("MAPPO_REDIS_DB", 0), "Redis database index")
	cmd.Flags().Duration("history-ttl", 0, "Expire a stored run this long after its last round; 0 keeps it")
	cmd.Flags().String("listen", getenv("MAPPO_LISTEN", defaultListen), "Serve health, metrics and history on this address while training")
	return cmd
}

func runTrain(cmd *cobra.Command, args []string) error {
	logger, err := loggerFrom(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	seed := cfg.Seed
	if cmd.Flags().Changed("seed") {
		seed, _ = cmd.Flags().GetUint64("seed")
	}

	var store history.Store = history.NewMemory()
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		db, _ := cmd.Flags().GetInt("redis-db")
		var opts []history.RedisOption
		if ttl, _ := cmd.Flags().GetDuration("history-ttl"); ttl > 0 {
			opts = append(opts, history.WithTTL(ttl))
		}
		rs := history.NewRedis(addr, os.Getenv("MAPPO_REDIS_PASSWORD"), db, opts...)
		defer rs.Close()
		store = rs
	}

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		handler := server.NewHandler(&server.Server{Store: store, Gatherer: reg, Config: &cfg, Logger: logger})
		go func() {
			if err := server.ListenAndServe(ctx, listen, handler, logger); err != nil {
				logger.Error("http server stopped", "error", err)
			}
		}()
	}

	runID := history.NewRunID()
	logger.Info("training started",
		"run_id", runID,
		"seed", seed,
		"num_updates", cfg.NumUpdates,
		"num_actors", cfg.NumActors,
	)
	res, err := train.Train(ctx, seed, cfg, cartpole.NewTeam(cfg.NumAgents, cfg.MaxEpisodeSteps),
		train.WithLogger(logger.With("run_id", runID)),
		train.WithObserver(metrics),
		train.WithObserver(history.Observer(store, runID)),
	)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished %d rounds\n", runID, len(res.History))
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		fmt.Fprintf(out, "last round: episode_return=%.4f win_rate=%.4f total_loss=%.4f lr=%.6f\n",
			last.EpisodeReturn, last.WinRate, last.TotalLoss, last.LR)
	}
	return nil
}
