package cli

// network.go boots a node-core network manager: routing table, connection
// table, TCP/WS listeners, and RPC dispatch, wired from configuration.
//
// Commands after RegisterNetwork(root):
//   network start       – boot node
//   network stop        – shutdown
//   network peers        – print the number of routing table entries

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "github.com/kyanha/veilid-sub003/core"
	nodeconfig "github.com/kyanha/veilid-sub003/pkg/config"
)

var (
	netNM        *core.NetworkManager
	netListeners []net.Listener
	netMu        sync.RWMutex
	netStartTime time.Time
	netCfg       nodeconfig.Config
)

// echoHandler answers every operation by returning it unchanged, a placeholder
// until a higher-level application registers its own RPC handler; it
// exists so network start has something to dispatch to.
func echoHandler(_ context.Context, op core.Operation, _ core.NodeID) (*core.Operation, error) {
	return &op, nil
}

func netPenalize(id core.NodeID) {
	logrus.WithField("node", id.String()).Debug("peer penalized for a protocol violation")
}

func netInit(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	running := netNM != nil
	netMu.RUnlock()
	if running {
		return nil
	}
	_ = godotenv.Load()

	if cfg, err := nodeconfig.LoadFromEnv(); err == nil {
		netCfg = *cfg
	} else {
		logrus.WithError(err).Debug("no node config file found, using flags/env only")
	}

	lv, err := logrus.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	return nil
}

// buildNetworkManager constructs the routing table, connection table, and
// network manager from configuration, generating a fresh ed25519 self id
// on every call.
func buildNetworkManager() (*core.NetworkManager, error) {
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

	tcpCap := intOrDefault(viper.GetInt("network.tcp_capacity"), netCfg.Network.TCPCapacity, 256)
	wsCap := intOrDefault(viper.GetInt("network.ws_capacity"), netCfg.Network.WSCapacity, 256)

	filter := core.NewAddressFilter(core.DefaultAddressFilterConfig())
	table, err := core.NewConnectionTable(map[core.ProtocolType]int{
		core.ProtocolTCP: tcpCap,
		core.ProtocolWS:  wsCap,
		core.ProtocolWSS: wsCap,
	}, filter)
	if err != nil {
		return nil, err
	}

	cfg := core.DefaultNetworkManagerConfig(selfIDs, selfSecrets)
	return core.NewNetworkManager(cfg, registry, rt, table, echoHandler, netPenalize, logrus.StandardLogger())
}

func listenAddr() string {
	if addr := viper.GetString("network.listen_addr"); addr != "" {
		return addr
	}
	if netCfg.Network.ListenAddr != "" {
		return netCfg.Network.ListenAddr
	}
	return "0.0.0.0:5150"
}

// intOrDefault returns the first nonzero value in order: flag/env override,
// config file, built-in default.
func intOrDefault(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func runTCPListener(nm *core.NetworkManager, addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			flow := core.Flow{
				Remote: core.PeerAddress{Addr: conn.RemoteAddr().(*net.TCPAddr).IP, Port: uint16(conn.RemoteAddr().(*net.TCPAddr).Port), Protocol: core.ProtocolTCP},
				Local:  core.PeerAddress{Addr: conn.LocalAddr().(*net.TCPAddr).IP, Port: uint16(conn.LocalAddr().(*net.TCPAddr).Port), Protocol: core.ProtocolTCP},
			}
			c := core.NewConnection(flow, core.ProtocolTCP, conn)
			if err := nm.Accept(c); err != nil {
				logrus.WithError(err).Debug("rejected inbound TCP connection")
				_ = conn.Close()
			}
		}
	}()
	return ln, nil
}

func runWSListener(nm *core.NetworkManager, addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := nm.WSHandler().Upgrade(w, r)
		if err != nil {
			return
		}
		uc := wsConn.UnderlyingConn()
		var flow core.Flow
		if tcpAddr, ok := uc.RemoteAddr().(*net.TCPAddr); ok {
			flow.Remote = core.PeerAddress{Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port), Protocol: core.ProtocolWS}
		}
		if tcpAddr, ok := uc.LocalAddr().(*net.TCPAddr); ok {
			flow.Local = core.PeerAddress{Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port), Protocol: core.ProtocolWS}
		}
		c := core.NewConnection(flow, core.ProtocolWS, uc)
		if err := nm.Accept(c); err != nil {
			logrus.WithError(err).Debug("rejected inbound WS connection")
			_ = uc.Close()
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

var netWSServer *http.Server

func netStart(cmd *cobra.Command, _ []string) error {
	netMu.Lock()
	if netNM != nil {
		netMu.Unlock()
		fmt.Fprintln(cmd.OutOrStdout(), "already running")
		return nil
	}
	netMu.Unlock()

	nm, err := buildNetworkManager()
	if err != nil {
		return err
	}

	addr := listenAddr()
	ln, err := runTCPListener(nm, addr)
	if err != nil {
		return err
	}

	var wsAddr string
	if wa := viper.GetString("network.ws_listen_addr"); wa != "" {
		wsAddr = wa
		srv, err := runWSListener(nm, wsAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		netWSServer = srv
	}

	go nm.RunTick(30 * time.Second)

	netMu.Lock()
	netNM = nm
	netListeners = []net.Listener{ln}
	netMu.Unlock()
	netStartTime = time.Now()

	SetActiveNetworkManager(nm)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		_ = netStop(cmd, nil)
		os.Exit(0)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "network started on %s\n", addr)
	return nil
}

func netStop(cmd *cobra.Command, _ []string) error {
	netMu.Lock()
	nm := netNM
	lns := netListeners
	netNM = nil
	netListeners = nil
	netMu.Unlock()

	if nm == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "not running")
		return nil
	}
	for _, ln := range lns {
		_ = ln.Close()
	}
	if netWSServer != nil {
		_ = netWSServer.Shutdown(context.Background())
		netWSServer = nil
	}
	_ = nm.Close()
	SetActiveNetworkManager(nil)
	fmt.Fprintln(cmd.OutOrStdout(), "stopped")
	return nil
}

func netPeers(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	nm := netNM
	netMu.RUnlock()
	if nm == nil {
		return fmt.Errorf("not running")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "routing table entries: %d\n", nm.RoutingTable().Len())
	return nil
}

var netRootCmd = &cobra.Command{Use: "network", Short: "P2P networking", PersistentPreRunE: netInit}

var netStartCmd = &cobra.Command{Use: "start", Short: "Start node", Args: cobra.NoArgs, RunE: netStart}
var netStopCmd = &cobra.Command{Use: "stop", Short: "Stop node", Args: cobra.NoArgs, RunE: netStop}
var netPeersCmd = &cobra.Command{Use: "peers", Short: "Summarize the routing table", Args: cobra.NoArgs, RunE: netPeers}

func init() { netRootCmd.AddCommand(netStartCmd, netStopCmd, netPeersCmd) }

// NetworkCmd exposes P2P networking commands.
var NetworkCmd = netRootCmd

// RegisterNetwork adds the networking commands to the root CLI.
func RegisterNetwork(root *cobra.Command) { root.AddCommand(NetworkCmd) }
