// Package fsbackend provides mtp.Filesystem implementations: a local-disk
// backend standing in for the SD-card and built-in user storages, and a
// write-mostly synthetic backend that tees SendObject bytes into an
// install.Controller instead of persisting them anywhere itself.
package fsbackend
