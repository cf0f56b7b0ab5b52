// Package stores provides the SQLite run ledger.
// The ledger records each run, the seed every worker used, each event's
// outcome and attempt count, and every merge program invocation. The schema
// is applied with embedded golang-migrate migrations.
package stores
