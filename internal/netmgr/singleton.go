// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package netmgr

// singleton holds the process-wide Manager instance, for hosts that prefer
// a single global network client over threading a *Manager through their
// own call graph. Safe only because the whole package is single-threaded
// by contract — there is no lock protecting this variable.
var singleton *Manager

// InitializeNetworkClient constructs and installs the package-level
// Manager. A second call is a no-op that returns the already-installed
// instance unchanged: re-initializing mid-session would
// silently drop the kernel/framestate/archive state a host may already be
// relying on.
func InitializeNetworkClient(cfg Config) *Manager {
	if singleton != nil {
		return singleton
	}
	singleton = New(cfg)
	return singleton
}

// GetNetworkClient returns the package-level Manager, or nil if
// InitializeNetworkClient has not yet been called.
func GetNetworkClient() *Manager {
	return singleton
}

// ResetNetworkClient drops the package-level Manager so a subsequent
// InitializeNetworkClient call starts fresh. Intended for test teardown,
// not for production use.
func ResetNetworkClient() {
	singleton = nil
}
