// Package core contains the dispatch domain contracts, entities and the
// coordination logic for the dispatch queue, worker pool, webhook intake
// guard and job lock store. Persistence and transports live in adapter
// packages that depend on core; core never depends on them.
package core
