// Package api exposes the orchestrator over HTTP: synchronous and queued
// commands, task lookup, and per-session history, actions, undo and reset.
package api
