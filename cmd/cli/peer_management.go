package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	core "github.com/kyanha/veilid-sub003/core"
)

// peerInit reuses the routing table and connection table the kademlia and
// connpool command groups already maintain, so "peer" is a convenience
// front end over the same state rather than a second copy of it.
func peerInit(cmd *cobra.Command, args []string) error {
	if err := rtInit(cmd, args); err != nil {
		return err
	}
	return cpInit(cmd, args)
}

func peerDiscover(cmd *cobra.Command, args []string) error {
	n := 16
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			n = v
		}
	}
	entries, err := cliRoutingTable.FindPreferredClosestNodes(n, targetKey("self"), nil)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		for _, id := range e.NodeIDs {
			out = append(out, id.String())
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func peerConnect(cmd *cobra.Command, args []string) error {
	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	remote := core.PeerAddress{Addr: net.ParseIP(host), Port: uint16(port), Protocol: core.ProtocolTCP}
	local := core.PeerAddress{Protocol: core.ProtocolTCP}
	netConn, err := cliTCP.Connect(local, remote)
	if err != nil {
		return err
	}
	conn := core.NewConnection(core.Flow{Local: local, Remote: remote}, core.ProtocolTCP, netConn)
	if _, err := cliConnTable.Add(conn); err != nil {
		_ = conn.Close()
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "connected:", conn.ID)
	return nil
}

func peerAdvertise(cmd *cobra.Command, _ []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "routing table size: %d\n", cliRoutingTable.Len())
	return nil
}

var peerCmd = &cobra.Command{Use: "peer", Short: "Peer discovery and connection management", PersistentPreRunE: peerInit}
var peerDiscoverCmd = &cobra.Command{Use: "discover [n]", Short: "List known peers closest to the lookup key for \"self\"", Args: cobra.RangeArgs(0, 1), RunE: peerDiscover}
var peerConnectCmd = &cobra.Command{Use: "connect <host:port>", Short: "Connect to a peer", Args: cobra.ExactArgs(1), RunE: peerConnect}
var peerAdvertiseCmd = &cobra.Command{Use: "advertise", Short: "Report this node's routing table size", Args: cobra.NoArgs, RunE: peerAdvertise}

func init() {
	peerCmd.AddCommand(peerDiscoverCmd)
	peerCmd.AddCommand(peerConnectCmd)
	peerCmd.AddCommand(peerAdvertiseCmd)
}

var PeerCmd = peerCmd
