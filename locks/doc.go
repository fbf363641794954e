// Package locks is the client side of a distributed lock protocol. For each
// named lock a ClientLock tracks the local holds, queued acquirers and parked
// waiters of the application's threads, and decides whether a request can be
// granted on the spot, has to queue locally, or must be delegated to the lock
// authority reached through a RemoteLockManager.
//
// The authority may award a whole client a lease on a lock (the lock's
// Greediness). While a lease is held the client grants and releases locally,
// flushing local changes to the authority when a synchronous-write hold is
// released. When another client needs the lock the authority recalls the
// lease; once no conflicting hold remains the client flushes and hands back
// a collapsed snapshot of its holders, pending acquirers and waiters in a
// recall commit.
//
// Manager owns one ClientLock per lock id, routes authority events (it
// implements Inbound), retries operations that raced with garbage collection
// and periodically collects idle locks.
package locks
