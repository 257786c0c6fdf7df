package cli

// devnet.go boots a local multi-node cluster from a YAML manifest, one
// network manager per manifest entry, each wired into every other
// entry's routing table as a trusted peer — a bootstrap shortcut for a
// cluster you already fully trust, not a substitute for the admission
// path a real bootstrap peer goes through.
//
// Commands after RegisterDevnet(root):
//   devnet start <config.yaml>   – launch one node per manifest entry

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "github.com/kyanha/veilid-sub003/core"
	nodeconfig "github.com/kyanha/veilid-sub003/pkg/config"
)

// devnetManifest is the YAML shape of a multi-node bootstrap file: one
// entry per node, using the same Config shape a single node reads from
// cmd/config.
type devnetManifest struct {
	Nodes []nodeconfig.Config `yaml:"nodes"`
}

// devnetNode is one running cluster member.
type devnetNode struct {
	selfIDs  core.NodeIDGroup
	nm       *core.NetworkManager
	listener net.Listener
}

func loadDevnetManifest(path string) (*devnetManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest devnetManifest
	if err := yaml.Unmarshal(b, &manifest); err != nil {
		return nil, fmt.Errorf("parsing devnet manifest %s: %w", path, err)
	}
	if len(manifest.Nodes) == 0 {
		return nil, fmt.Errorf("devnet manifest %s declares no nodes", path)
	}
	return &manifest, nil
}

// buildDevnetNode constructs and starts listening for one manifest entry.
// It mirrors buildNetworkManager/runTCPListener in network.go, without the
// single-node case's package-level globals.
func buildDevnetNode(cfg nodeconfig.Config) (*devnetNode, error) {
	registry := core.NewCryptoRegistry(core.NewEd25519Suite(), core.NewBLSSuite(), core.NewDilithiumSuite())
	suite, err := registry.Get(core.CryptoKindVLD0)
	if err != nil {
		return nil, err
	}
	kp, err := suite.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	selfIDs := core.NodeIDGroup{kp.Public}
	selfSecrets := map[core.CryptoKind]core.TypedKey{core.CryptoKindVLD0: kp.Secret}

	rt := core.NewRoutingTable(registry, selfIDs, core.DefaultRoutingTableConfig())

	filter := core.NewAddressFilter(core.DefaultAddressFilterConfig())
	table, err := core.NewConnectionTable(map[core.ProtocolType]int{
		core.ProtocolTCP: intOrDefault(cfg.Network.TCPCapacity, 256),
		core.ProtocolWS:  intOrDefault(cfg.Network.WSCapacity, 256),
		core.ProtocolWSS: intOrDefault(cfg.Network.WSCapacity, 256),
	}, filter)
	if err != nil {
		return nil, err
	}

	nmCfg := core.DefaultNetworkManagerConfig(selfIDs, selfSecrets)
	nm, err := core.NewNetworkManager(nmCfg, registry, rt, table, echoHandler, netPenalize, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}

	addr := cfg.Network.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := runTCPListener(nm, addr)
	if err != nil {
		return nil, err
	}
	go nm.RunTick(30 * time.Second)

	return &devnetNode{selfIDs: selfIDs, nm: nm, listener: ln}, nil
}

// wireCluster registers every node's dial info into every other node's
// routing table, unsigned — the manifest is the trust anchor for a
// devnet, so there is no peer to independently verify a signature
// against.
func wireCluster(nodes []*devnetNode) error {
	for _, n := range nodes {
		for _, peer := range nodes {
			if peer == n {
				continue
			}
			tcpAddr, ok := peer.listener.Addr().(*net.TCPAddr)
			if !ok {
				continue
			}
			info := core.PeerInfo{
				NodeIDs: peer.selfIDs,
				NodeInfo: core.SignedNodeInfo{
					NodeIDs:          peer.selfIDs,
					DialInfo:         []core.DialInfo{{Protocol: core.ProtocolTCP, Address: tcpAddr.IP, Port: uint16(tcpAddr.Port)}},
					EnvelopeVersions: [2]uint8{0, 0},
					Timestamp:        time.Now(),
				},
			}
			if _, err := n.nm.RoutingTable().RegisterNode(info, true); err != nil {
				return fmt.Errorf("wiring cluster: %w", err)
			}
		}
	}
	return nil
}

func closeDevnetNodes(nodes []*devnetNode) {
	for _, n := range nodes {
		_ = n.listener.Close()
		_ = n.nm.Close()
	}
}

// devnetStart reads a YAML manifest of node configs, starts one network
// manager per entry, cross-registers them as peers, and blocks until
// interrupted.
func devnetStart(cmd *cobra.Command, args []string) error {
	manifest, err := loadDevnetManifest(args[0])
	if err != nil {
		return err
	}

	nodes := make([]*devnetNode, 0, len(manifest.Nodes))
	for i, cfg := range manifest.Nodes {
		node, err := buildDevnetNode(cfg)
		if err != nil {
			closeDevnetNodes(nodes)
			return fmt.Errorf("starting devnet node %d: %w", i, err)
		}
		nodes = append(nodes, node)
	}

	if err := wireCluster(nodes); err != nil {
		closeDevnetNodes(nodes)
		return err
	}

	for i, n := range nodes {
		fmt.Fprintf(cmd.OutOrStdout(), "devnet node %d listening on %s (id %s)\n", i, n.listener.Addr(), n.selfIDs[0].String())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	closeDevnetNodes(nodes)
	return nil
}

var devnetCmd = &cobra.Command{Use: "devnet", Short: "local multi-node cluster bootstrap"}
var devnetStartCmd = &cobra.Command{
	Use:   "start <config.yaml>",
	Short: "launch one node per manifest entry and cross-register them as peers",
	Args:  cobra.ExactArgs(1),
	RunE:  devnetStart,
}

func init() { devnetCmd.AddCommand(devnetStartCmd) }

// DevnetCmd exposes the devnet command group.
var DevnetCmd = devnetCmd

// RegisterDevnet adds the devnet commands to the root CLI.
func RegisterDevnet(root *cobra.Command) { root.AddCommand(DevnetCmd) }
