// Package timeouts defines shared timeout constants used across the sync core.
package timeouts

import "time"

// RemoteApply caps a single remote-apply call made by the sync engine when
// the caller configures no timeout of its own.
const RemoteApply = 10 * time.Second

// StoreOpen bounds how long an embedded store waits for its file lock.
const StoreOpen = time.Second

// Maintenance is the default overall deadline for a maintenance command.
const Maintenance = time.Minute

// Shutdown limits how long telemetry export waits during command exit.
const Shutdown = 5 * time.Second
