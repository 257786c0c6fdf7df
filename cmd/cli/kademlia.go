package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	core "github.com/kyanha/veilid-sub003/core"
)

var (
	cliRoutingTable *core.RoutingTable
	rtOnce          sync.Once
)

// rtInit builds a standalone routing table for offline inspection when no
// node is running; a live node registers its own table via
// SetActiveNetworkManager and that one is used instead.
func rtInit(cmd *cobra.Command, _ []string) error {
	rtOnce.Do(func() {
		if nm := activeNetworkManager(); nm != nil {
			cliRoutingTable = nm.RoutingTable()
			return
		}
		registry := core.NewCryptoRegistry(core.NewNoneSuite())
		kp, _ := core.NewNoneSuite().GenerateKeyPair()
		cliRoutingTable = core.NewRoutingTable(registry, core.NodeIDGroup{kp.Public}, core.DefaultRoutingTableConfig())
	})
	return nil
}

// targetKey derives a lookup target from a human-readable string by
// hashing it under the deterministic test crypto kind, so CLI users can
// probe the table without generating real keys.
func targetKey(s string) core.TypedKey {
	h := core.NewNoneSuite().Hash([]byte(s))
	tk, _ := core.NewTypedKey(core.CryptoKindNone, h[:])
	return tk
}

func kadAddPeer(cmd *cobra.Command, args []string) error {
	id := targetKey(args[0])
	addr := net.ParseIP("127.0.0.1")
	port := 5150
	if len(args) > 1 {
		if ip := net.ParseIP(args[1]); ip != nil {
			addr = ip
		}
	}
	if len(args) > 2 {
		if p, err := strconv.Atoi(args[2]); err == nil {
			port = p
		}
	}
	info := core.PeerInfo{
		NodeIDs: core.NodeIDGroup{id},
		NodeInfo: core.SignedNodeInfo{
			NodeIDs:          core.NodeIDGroup{id},
			DialInfo:         []core.DialInfo{{Protocol: core.ProtocolUDP, Address: addr, Port: uint16(port)}},
			EnvelopeVersions: [2]uint8{0, 0},
			Timestamp:        time.Now(),
		},
	}
	if _, err := cliRoutingTable.RegisterNode(info, true); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "peer added")
	return nil
}

func kadClosest(cmd *cobra.Command, args []string) error {
	n := 8
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			n = v
		}
	}
	entries, err := cliRoutingTable.FindPreferredClosestNodes(n, targetKey(args[0]), nil)
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

func kadLen(cmd *cobra.Command, _ []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), cliRoutingTable.Len())
	return nil
}

func kadOccupancy(cmd *cobra.Command, _ []string) error {
	occ := cliRoutingTable.BucketOccupancy()
	out := make(map[string]int, len(occ))
	for kind, count := range occ {
		out[kind.String()] = count
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var kademliaCmd = &cobra.Command{
	Use:               "kademlia",
	Short:             "Inspect the Kademlia-style routing table",
	PersistentPreRunE: rtInit,
}

var kadAddPeerCmd = &cobra.Command{Use: "addpeer <id> [addr] [port]", Args: cobra.RangeArgs(1, 3), RunE: kadAddPeer}
var kadClosestCmd = &cobra.Command{Use: "closest <target> [n]", Args: cobra.RangeArgs(1, 2), RunE: kadClosest}
var kadLenCmd = &cobra.Command{Use: "len", Args: cobra.NoArgs, RunE: kadLen}
var kadOccupancyCmd = &cobra.Command{Use: "occupancy", Args: cobra.NoArgs, RunE: kadOccupancy}

func init() {
	kademliaCmd.AddCommand(kadAddPeerCmd, kadClosestCmd, kadLenCmd, kadOccupancyCmd)
}

var KademliaCmd = kademliaCmd

func RegisterKademlia(root *cobra.Command) { root.AddCommand(KademliaCmd) }
