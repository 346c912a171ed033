// Package orchestrator is the inbound entry point of the engine. For every
// command it loads the session, resolves the command into a plan (smart query,
// language-understanding delegate, implicit targets, reference inference),
// runs the plan through the safety manager and persists the session again.
// Commands for the same session are serialised.
package orchestrator
