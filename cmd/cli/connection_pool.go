package cli

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	core "github.com/kyanha/veilid-sub003/core"
)

var (
	cliConnTable *core.ConnectionTable
	cliTCP       *core.TCPHandler
	cpOnce       sync.Once
)

// cpInit wires up a standalone TCP handler plus connection table for
// offline dial/inspect use; a live node's own table is preferred when one
// is registered via SetActiveNetworkManager.
func cpInit(cmd *cobra.Command, _ []string) error {
	var err error
	cpOnce.Do(func() {
		cliTCP = core.NewTCPHandler(5*time.Second, 30*time.Second)
		if nm := activeNetworkManager(); nm != nil {
			cliConnTable = nm.ConnectionTable()
			return
		}
		filter := core.NewAddressFilter(core.DefaultAddressFilterConfig())
		cliConnTable, err = core.NewConnectionTable(map[core.ProtocolType]int{
			core.ProtocolTCP: 256,
			core.ProtocolUDP: 256,
			core.ProtocolWS:  256,
			core.ProtocolWSS: 256,
		}, filter)
	})
	return err
}

func cpStats(cmd *cobra.Command, _ []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "open connections: %d\n", cliConnTable.Len())
	return nil
}

func cpDial(cmd *cobra.Command, args []string) error {
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
	fmt.Fprintln(cmd.OutOrStdout(), "dial ok:", conn.ID)
	return nil
}

func cpClose(cmd *cobra.Command, args []string) error {
	id, err := core.ParseConnectionID(args[0])
	if err != nil {
		return err
	}
	conn, ok := cliConnTable.Remove(id)
	if !ok {
		return fmt.Errorf("connection %s not found", args[0])
	}
	if err := conn.Close(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "closed")
	return nil
}

var connPoolCmd = &cobra.Command{
	Use:               "connpool",
	Short:             "Inspect and dial through the connection table",
	PersistentPreRunE: cpInit,
}

func init() {
	connPoolCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show connection table statistics",
		Args:  cobra.NoArgs,
		RunE:  cpStats,
	})
	connPoolCmd.AddCommand(&cobra.Command{
		Use:   "dial <host:port>",
		Short: "Dial a TCP peer and admit it to the connection table",
		Args:  cobra.ExactArgs(1),
		RunE:  cpDial,
	})
	connPoolCmd.AddCommand(&cobra.Command{
		Use:   "close <connection-id>",
		Short: "Close and evict a connection",
		Args:  cobra.ExactArgs(1),
		RunE:  cpClose,
	})
}

var ConnPoolCmd = connPoolCmd
