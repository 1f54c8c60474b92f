// Package procmeta resolves the process behind an event.
//
// Events only carry a pid and a tgid. Manager reads the task name and the
// command line from procfs the first time a pid is seen and keeps them in a
// bounded LRU cache, so that long traces do not grow without limit and
// recycled pids eventually get refreshed.
//
// Queries:
//   - Get(pid) - Cached metadata only
//   - GetError(pid) - Last collection error
//   - Resolve(pid) - Cached metadata, reading procfs on a miss
//
// Commands:
//   - Set(pid, metadata) - Store metadata
//   - Delete(pid) - Forget a process
package procmeta
