// ============================================================================
// lmic-task CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the radio task daemon and for driving
//          a running daemon through its control service.
//
// Command Structure:
//   lmicd                          # Root command
//   ├── run                        # Start the task daemon
//   │   └── --bench                # Log ticks per second every period
//   ├── send                       # Offer an uplink payload
//   │   └── --port --data --hex --confirmed --wait
//   ├── sleep                      # Stop the tick source
//   ├── wake                       # Resume and compensate the slept time
//   ├── status                     # Show the task snapshot
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --addr                     # Control address, overrides server.addr
//
// run Command:
//   1. Load config and build the logger
//   2. Wire tick source, job queue, simulated radio and MAC into the task
//   3. Start metrics HTTP server (if enabled) and the gRPC control server
//   4. Wait for SIGINT or SIGTERM, then stop the task and both servers
//
//   Examples:
//     ./lmicd run
//     ./lmicd run -c custom-config.yaml --bench 10s
//
// Client Commands:
//   send, sleep, wake and status dial the control server of a running
//   daemon.
//
//   Examples:
//     ./lmicd send --port 1 --data hello
//     ./lmicd send --port 2 --hex --data 01ff --confirmed --wait 2s
//     ./lmicd sleep && ./lmicd wake
//     ./lmicd status
//
// ============================================================================

package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/lmic-task/internal/config"
	"github.com/ChuLiYu/lmic-task/internal/server"
)

// Version of the lmicd binary.
const Version = "1.0.0"

// rpcTimeout bounds each control call except the send wait itself.
const rpcTimeout = 15 * time.Second

var (
	configFile  string
	controlAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lmicd",
		Short: "lmicd: a duty-cycled LoRaWAN radio task",
		Long: `lmicd runs the radio task of a LoRaWAN node:
- tick-driven job scheduling
- sleep/wake with clock compensation
- single-slot uplink arbitration
- Prometheus metrics and a gRPC control service`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control server address (default from config server.addr)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildSleepCommand())
	rootCmd.AddCommand(buildWakeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var bench time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the radio task daemon",
		Long:  "Start the task loop with the simulated radio, the metrics endpoint and the control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), bench)
		},
	}

	cmd.Flags().DurationVar(&bench, "bench", 0, "log measured ticks per second every period (0 disables)")
	return cmd
}

func buildSendCommand() *cobra.Command {
	var (
		port      uint8
		data      string
		isHex     bool
		confirmed bool
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Offer an uplink to a running daemon",
		Long:  "Offer a payload to the send slot. --wait -1ns waits until the slot drains.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := decodePayload(data, isHex)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *server.Client) error {
				reply, err := c.Send(ctx, port, payload, confirmed, wait)
				if err != nil {
					return errors.Wrap(err, "send")
				}
				return printSend(cmd.OutOrStdout(), reply)
			}, wait)
		},
	}

	cmd.Flags().Uint8Var(&port, "port", 1, "application port (1..223)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "payload")
	cmd.Flags().BoolVar(&isHex, "hex", false, "payload is hex encoded")
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "request a confirmed uplink")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for the slot (negative waits without bound)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func buildSleepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sleep",
		Short: "Put the task to sleep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				if err := c.Sleep(ctx); err != nil {
					return errors.Wrap(err, "sleep")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "task sleeping")
				return nil
			}, 0)
		},
	}
}

func buildWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Wake the task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				if err := c.Wake(ctx); err != nil {
					return errors.Wrap(err, "wake")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "task running")
				return nil
			}, 0)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task status",
		Long:  "Display duty-cycle state, queue and send slot statistics of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return errors.Wrap(err, "status")
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			}, 0)
		},
	}
}

// resolveAddr picks --addr, then server.addr from the config file, then the
// built-in default.
func resolveAddr() string {
	if controlAddr != "" {
		return controlAddr
	}
	if cfg, err := config.Load(configFile); err == nil {
		return cfg.Server.Addr
	}
	return config.Default().Server.Addr
}

func withClient(fn func(context.Context, *server.Client) error, wait time.Duration) error {
	c, err := server.Dial(resolveAddr())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	if wait >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rpcTimeout+wait)
		defer cancel()
	}
	return fn(ctx, c)
}

func decodePayload(data string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(data), nil
	}
	b, err := hex.DecodeString(data)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "decode payload"), "pass an even number of hex digits")
	}
	return b, nil
}

func printSend(w io.Writer, reply server.SendReply) error {
	if !reply.Accepted {
		fmt.Fprintf(w, "not accepted: %s\n", reply.Result)
		return errors.Newf("payload not accepted (%s): %s", reply.Result, reply.Error)
	}
	fmt.Fprintf(w, "payload %s\n", reply.Result)
	return nil
}

func printStatus(w io.Writer, st map[string]any) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              lmicd Task Status                ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════╝")

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		branch := "├─"
		if i == len(keys)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-18s %v\n", branch, k+":", st[k])
	}
}
