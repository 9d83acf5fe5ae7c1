// Package install implements the Streaming Archive Demultiplexer and the
// Stream Install Controller: parsing of the two
// streaming-install archive shapes a host can write through the MTP install
// sink, and the top-level start/feed/close state machine that owns one of
// them for the lifetime of an install.
package install
