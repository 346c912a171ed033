// Package llm defines the narrow request/response contract used to turn a
// free-text command into structured intents, plus the shared prompt that every
// backend (HTTP chat completions, langchaingo models, external scripts) sends.
package llm
