// Package postgres provides the storage plumbing under the SSO stores:
// a connection manager with primary/replica routing, a Redis client
// shared by the configuration cache and the sweeper's run lease, and a
// layered (LRU + Redis) read-through cache for tenant configurations.
//
// The cache exists for the admin read path only. Session issuance and
// validation always query PostgreSQL directly so that disabling a
// provider or revoking a session takes effect immediately.
package postgres
