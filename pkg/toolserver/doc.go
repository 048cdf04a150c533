// Package toolserver launches the per-user tool servers that back an agent.
//
// Each capability domain (mail, calendar, telephony) is an MCP server spoken
// to over stdio. An Orchestrator starts one subprocess per domain for a user,
// gives it a minimal environment carrying only that user's token, performs the
// MCP handshake under a deadline and aggregates the advertised tools into a
// Registry. If any domain fails, every subprocess already started for the
// build is terminated before the error is returned.
package toolserver
