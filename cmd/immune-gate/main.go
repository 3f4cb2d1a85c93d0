package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/developingchet/immune-gate/internal/admission"
	"github.com/developingchet/immune-gate/internal/challenge"
	"github.com/developingchet/immune-gate/internal/config"
	"github.com/developingchet/immune-gate/internal/gateway"
	"github.com/developingchet/immune-gate/internal/logger"
	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

const binaryName = "immune-gate"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           binaryName,
		Short:         "Adaptive admission gateway with proof-of-work challenges and CrowdSec feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		bansCmd(),
		banCmd(),
		unbanCmd(),
		statsCmd(),
		configCmd(),
		solveCmd(),
	)
	return root
}

// openStore connects the configured Atomic Store backend. Tests replace it.
var openStore = func(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "bolt":
		return storage.NewBoltStore(cfg.DataDir)
	default:
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TLS:         cfg.RedisTLS,
			TLSInsecure: cfg.RedisTLSInsecure,
			OpTimeout:   cfg.StoreOpTimeout,
		})
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("immune-gate starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	gw, err := gateway.New(cfg, store, Version, log)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	if err := gw.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("immune-gate stopped")
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return probe(cmd.Context(), healthURL(cfg.HealthAddr), cmd.OutOrStdout())
		},
	}
}

// healthURL turns a listen address such as ":8081" into a dialable URL.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/healthz"
}

func probe(ctx context.Context, url string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "healthy")
	return nil
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", binaryName, Version)
		},
	}
}

// withComponents loads config, opens the store and hands the shared core to fn.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, g *gateway.Gateway) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	return fn(ctx, gateway.Components(cfg, store, time.Now, buildLogger(cfg)))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func bansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List active bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				recs, err := g.Reader.ActiveBans(ctx)
				if err != nil {
					return err
				}
				sort.Slice(recs, func(i, j int) bool { return recs[i].ExpiresAt.After(recs[j].ExpiresAt) })
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func banCmd() *cobra.Command {
	var (
		duration time.Duration
		actor    string
	)
	cmd := &cobra.Command{
		Use:   "ban <ip>",
		Short: "Ban a client manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must not be negative")
			}
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				rec, err := g.Admin.Ban(ctx, args[0], duration, actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "ban length; 0 applies the escalating policy")
	cmd.Flags().StringVar(&actor, "actor", "cli", "name recorded in the admin audit trail")
	return cmd
}

func unbanCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "unban <ip>",
		Short: "Lift a ban and grant short immunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				existed, err := g.Admin.Unban(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if existed {
					fmt.Fprintf(cmd.OutOrStdout(), "ban lifted for %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no active ban for %s; immunity granted\n", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "name recorded in the admin audit trail")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate audit statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				st, err := g.Reader.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change runtime flags",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print all runtime flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				flags, err := g.Admin.Config(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), flags)
			})
		},
	}

	var actor string
	set := &cobra.Command{
		Use:   "set <flag> <true|false>",
		Short: "Set a runtime flag",
		Long:  "Set a runtime flag. Known flags: " + strings.Join(admission.KnownFlags, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("value must be true or false; got %q", args[1])
			}
			return withComponents(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				if err := g.Admin.SetConfig(ctx, args[0], value, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%t\n", args[0], value)
				return nil
			})
		},
	}
	set.Flags().StringVar(&actor, "actor", "cli", "name recorded in the admin audit trail")

	cmd.AddCommand(get, set)
	return cmd
}

// solveCmd mines a nonce for a challenge the way a browser would. Useful for
// scripted clients and for checking a deployment end to end.
func solveCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "solve <challengeId> <difficulty>",
		Short: "Brute-force a proof-of-work nonce for a challenge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			difficulty, err := strconv.Atoi(args[1])
			if err != nil || difficulty < 0 || difficulty > 16 {
				return fmt.Errorf("difficulty must be an integer between 0 and 16; got %q", args[1])
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			nonce, hash, err := challenge.Solve(ctx, args[0], difficulty)
			if err != nil {
				return fmt.Errorf("solve: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"challengeId": args[0],
				"nonce":       nonce,
				"hash":        hash,
				"difficulty":  difficulty,
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	opts := logger.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileBackups,
	}
	return logger.New(opts, logger.Output(opts))
}
