package cli

import "github.com/spf13/cobra"

// RegisterRoutes attaches every command group defined in the cli package
// to the provided root command. Each module exposes its own root command
// which aggregates its sub-routes, so wiring a new group into the binary
// is a single AddCommand call here.
func RegisterRoutes(root *cobra.Command) {
	root.AddCommand(
		NetworkCmd,
		DevnetCmd,
		PeerCmd,
		KademliaCmd,
		ConnPoolCmd,
		NatCmd,
		BootstrapCmd,
		NewReplicationCommand(),
		NewSecurityCommand(),
		NewHealthCommand(),
	)
}
