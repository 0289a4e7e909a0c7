// Package orchestrator drives scheduling cycles end to end: it pulls due
// jobs, plans them against the energy forecast, and books each decision on
// the marketplace through the search/select/init/confirm/status/rating
// protocol. Every phase transition is written to the audit ledger before the
// next external call is issued.
package orchestrator
