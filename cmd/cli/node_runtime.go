package cli

import (
	"sync"

	core "github.com/kyanha/veilid-sub003/core"
)

var (
	nodeRuntimeMu sync.RWMutex
	nodeRuntime   *core.NetworkManager
)

// SetActiveNetworkManager registers the running node's network manager so
// CLI subcommands can reach its live routing table, connection table, and
// dispatcher. The daemon entrypoint calls this once after startup.
func SetActiveNetworkManager(nm *core.NetworkManager) {
	nodeRuntimeMu.Lock()
	defer nodeRuntimeMu.Unlock()
	nodeRuntime = nm
}

// activeNetworkManager returns the registered network manager, or nil if
// this process never started one (a CLI command run standalone, with no
// local node to inspect).
func activeNetworkManager() *core.NetworkManager {
	nodeRuntimeMu.RLock()
	defer nodeRuntimeMu.RUnlock()
	return nodeRuntime
}
