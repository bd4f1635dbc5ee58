// Package stores provides the SQLite persistence layer for platformconf.
// It caches collected host facts with a TTL and keeps an audit trail of
// every setting change applied through a provider. Schema changes are
// embedded migrations applied with golang-migrate.
package stores
