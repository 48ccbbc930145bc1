// Package server hosts the relay daemon's HTTP surface: media server hooks,
// health, metrics, and a read-only view of the running relays.
package server
