// Package redis keeps session snapshots and the shared quota counters in
// Redis so several orchestrator processes can see the same state.
package redis
