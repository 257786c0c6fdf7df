package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "github.com/kyanha/veilid-sub003/core"
)

// bootSeed parses a bootstrap DNS TXT record and registers each of its
// advertised node ids into the running node's routing table, the
// mechanism by which a fresh node finds its first peers.
func bootSeed(cmd *cobra.Command, args []string) error {
	nm := activeNetworkManager()
	if nm == nil {
		return fmt.Errorf("network not running; run 'network start' first")
	}
	rec, err := core.ParseBootstrapTXT(args[0])
	if err != nil {
		return err
	}
	info := core.PeerInfo{
		NodeIDs: rec.NodeIDs,
		NodeInfo: core.SignedNodeInfo{
			NodeIDs:  rec.NodeIDs,
			DialInfo: rec.DialInfo,
		},
	}
	if _, err := nm.RoutingTable().RegisterNode(info, true); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d node id(s) from %s\n", len(rec.NodeIDs), rec.Hostname)
	return nil
}

// bootSeedConfigured seeds from the "network.bootstrap_peers" config key,
// one TXT record string per entry.
func bootSeedConfigured(cmd *cobra.Command, _ []string) error {
	peers := viper.GetStringSlice("network.bootstrap_peers")
	if len(peers) == 0 {
		peers = netCfg.Network.BootstrapPeers
	}
	if len(peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no bootstrap peers configured")
		return nil
	}
	for _, p := range peers {
		if err := bootSeed(cmd, []string{p}); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping bootstrap peer: %v\n", err)
		}
	}
	return nil
}

var bootRootCmd = &cobra.Command{Use: "bootstrap", Short: "Seed the routing table from bootstrap DNS TXT records"}
var bootSeedCmd = &cobra.Command{Use: "seed <txt-record>", Short: "Register the peers advertised by one TXT record", Args: cobra.ExactArgs(1), RunE: bootSeed}
var bootSeedAllCmd = &cobra.Command{Use: "seed-configured", Short: "Register peers from network.bootstrap_peers", Args: cobra.NoArgs, RunE: bootSeedConfigured}

func init() { bootRootCmd.AddCommand(bootSeedCmd, bootSeedAllCmd) }

// BootstrapCmd exposes the bootstrap command group.
var BootstrapCmd = bootRootCmd

// RegisterBootstrap adds the bootstrap commands to the root CLI.
func RegisterBootstrap(root *cobra.Command) { root.AddCommand(BootstrapCmd) }
