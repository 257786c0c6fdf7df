// cmd/cli/replication.go – Relay & private-route control CLI
// -----------------------------------------------------------------------------
// Provides operational control over a running node's relay and private-route
// subsystems via the unified route "~rep". All commands rely on a
// newline-framed JSON-RPC control socket exposed by the node daemon.
//
// Top-level commands (declared first):
//   • start        – resume relay/route maintenance loops (idempotent)
//   • stop         – suspend relay/route maintenance loops gracefully
//   • status       – show relay/route peer and queue stats
//   • relay        – grant relay eligibility to a known peer for a TTL
//   • route        – build a private route through a set of hop peers
//
// Route wiring occurs in the single init() block at the bottom; public factory
// NewReplicationCommand() returns the consolidated Cobra tree.
// -----------------------------------------------------------------------------
// Examples
//   veilid-sub003 ~rep start
//   veilid-sub003 ~rep status --format=json
//   veilid-sub003 ~rep relay deadbeef...cafebabe --ttl=1h
//   veilid-sub003 ~rep route 0123...89ab 4567...cdef
// -----------------------------------------------------------------------------
// Environment
//   REPL_API_ADDR – host:port of the node's control daemon (default "127.0.0.1:7950")
// -----------------------------------------------------------------------------

package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// -----------------------------------------------------------------------------
// Middleware – thin framed JSON/TCP client
// -----------------------------------------------------------------------------

type replClient struct {
	conn net.Conn
	rd   *bufio.Reader
}

func newReplClient(ctx context.Context) (*replClient, error) {
	addr := viper.GetString("REPL_API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:7950"
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to the node control daemon at %s: %w", addr, err)
	}
	return &replClient{conn: conn, rd: bufio.NewReader(conn)}, nil
}

func (c *replClient) Close() { _ = c.conn.Close() }

func (c *replClient) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

func (c *replClient) readJSON(v any) error {
	dec := json.NewDecoder(c.rd)
	return dec.Decode(v)
}

// -----------------------------------------------------------------------------
// Controller helpers – RPC entry-points
// -----------------------------------------------------------------------------

func startRPC(ctx context.Context) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "start"})
}

func stopRPC(ctx context.Context) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "stop"})
}

func statusRPC(ctx context.Context) (map[string]any, error) {
	cli, err := newReplClient(ctx)
	if err != nil {
		return nil, err
	}
	defer cli.Close()
	if err := cli.writeJSON(map[string]any{"action": "status"}); err != nil {
		return nil, err
	}
	var resp struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error,omitempty"`
	}
	if err := cli.readJSON(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

// relayRPC asks the daemon to set RelayForUs/RelayExpiry on nodeIDHex's
// routing-table entry, per core.BucketEntry's relay-eligibility fields.
func relayRPC(ctx context.Context, nodeIDHex string, ttl time.Duration) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "relay", "node_id": nodeIDHex, "ttl_seconds": int(ttl.Seconds())})
}

// routeRPC asks the daemon to build a private route through hopIDsHex, in
// order, using core.BuildPrivateRoute, and report the resulting route id.
func routeRPC(ctx context.Context, hopIDsHex []string) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "route", "hops": hopIDsHex})
}

func syncRPC(ctx context.Context) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "sync"})
}

// -----------------------------------------------------------------------------
// Top-level Cobra commands
// -----------------------------------------------------------------------------

var repCmd = &cobra.Command{
	Use:     "~rep",
	Short:   "Relay and private-route maintenance control",
	Aliases: []string{"rep", "relay-route"},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cobra.OnInitialize(initReplConfig)
		return nil
	},
}

// start -----------------------------------------------------------------------
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume relay/route maintenance goroutines (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return startRPC(ctx)
	},
}

// stop ------------------------------------------------------------------------
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Suspend relay/route maintenance goroutines gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return stopRPC(ctx)
	},
}

// status ----------------------------------------------------------------------
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay/route subsystem status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := viper.GetString("output.format")
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		data, err := statusRPC(ctx)
		if err != nil {
			return err
		}
		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		default:
			for k, v := range data {
				fmt.Printf("%s: %v\n", k, v)
			}
			return nil
		}
	},
}

// relay -------------------------------------------------------------------
var relayCmd = &cobra.Command{
	Use:   "relay [node-id]",
	Short: "Grant relay eligibility to a known peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := hex.DecodeString(args[0]); err != nil || len(args[0]) != 64 {
			return errors.New("node-id must be a 32-byte hex string")
		}
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return relayRPC(ctx, args[0], ttl)
	},
}

// route ---------------------------------------------------------------------
var routeCmd = &cobra.Command{
	Use:   "route [node-id...]",
	Short: "Build a private route through the given hop peers, in order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, hop := range args {
			if _, err := hex.DecodeString(hop); err != nil || len(hop) != 64 {
				return fmt.Errorf("hop %q must be a 32-byte hex string", hop)
			}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		return routeRPC(ctx, args)
	},
}

// sync -----------------------------------------------------------------------
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force a routing-table refresh against current peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return syncRPC(ctx)
	},
}

// -----------------------------------------------------------------------------
// init – config bootstrap & route registration
// -----------------------------------------------------------------------------

func initReplConfig() {
	viper.SetEnvPrefix("synnergy")
	viper.AutomaticEnv()

	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("synnergy")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/synnergy")
	}
	_ = viper.ReadInConfig()

	viper.SetDefault("REPL_API_ADDR", "127.0.0.1:7950")
	viper.SetDefault("output.format", "table")
}

func init() {
	// flag binding for status output format
	statusCmd.Flags().StringP("format", "f", "table", "output format: table|json")
	_ = viper.BindPFlag("output.format", statusCmd.Flags().Lookup("format"))

	relayCmd.Flags().Duration("ttl", time.Hour, "relay eligibility duration")

	_ = viper.BindEnv("REPL_API_ADDR", "REPL_API_ADDR")

	// sub-command registration
	repCmd.AddCommand(startCmd)
	repCmd.AddCommand(stopCmd)
	repCmd.AddCommand(statusCmd)
	repCmd.AddCommand(relayCmd)
	repCmd.AddCommand(routeCmd)
	repCmd.AddCommand(syncCmd)
}

// NewReplicationCommand returns the root Cobra command for ~rep.
func NewReplicationCommand() *cobra.Command { return repCmd }
