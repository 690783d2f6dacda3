// Package api exposes the ledger over a JSON REST interface: balances,
// token operations, constant flows and queued liquidations.
package api
