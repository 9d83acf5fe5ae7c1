// Package pkg provides shared utilities for the cyberfoil MTP responder.
//
// This package contains common functionality used across the USB device
// stack, the PTP/MTP responder, the transfer engine, and the stream install
// subsystem, including:
//
//   - Structured logging via [log/slog], backed by [github.com/charmbracelet/log]
//   - Sentinel error types for USB, protocol, transport, and install errors
//   - Component identifiers for log filtering
//   - PTP response codes
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentResponder, "session opened", "storages", 2)
//
// # Errors
//
//	if errors.Is(err, pkg.ErrInvalidObjectId) {
//	    // map to a ResponseCode and continue the transaction
//	}
package pkg
