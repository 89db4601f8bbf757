// Package reconcile maintains a client-side mirror of the server's job
// state — the model a dashboard renders from.
//
// The reconciler holds two maps: active jobs (queued and running) and
// recently completed ones. It converges on server state through two
// channels: a push feed of full-snapshot events, and a pull snapshot
// query used on connect, after reconnect, and as a polling fallback
// while the feed is down.
//
// Because every event carries the complete job record, applying one is
// a plain upsert — no delta bookkeeping, no ordering dependency between
// events for different jobs. Commands (cancel, retry, reprioritize) are
// applied optimistically to the local mirror; the server's answer is
// authoritative and overwrites the optimistic guess when it arrives.
package reconcile
