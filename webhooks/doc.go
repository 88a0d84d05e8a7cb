// Package webhooks turns inbound provider callbacks into admitted receipts.
//
// A Processor extracts the provider's event id and signature, admits the
// request through the intake guard, runs the business handler once and
// records the outcome. Replays are acknowledged without running the handler.
package webhooks
