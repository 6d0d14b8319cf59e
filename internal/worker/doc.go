// Package worker hosts the offline cache manager: one Worker per cache
// version, reacting to install, activate, fetch, push, notificationclick and
// sync events. Durable state lives in cache.Storage; a Worker only carries the
// constants of its version.
package worker
