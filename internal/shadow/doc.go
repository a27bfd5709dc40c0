// Package shadow keeps a replica of every guarded stack in a separate
// process and answers one request at a time about it.
//
// Ownership boundary:
// - Supervisor: parent side, owns the worker process and the single slot
// - Worker: child side, owns the descriptor table of replicas
// - Serve: the request loop shared by the re-exec worker and in-process pipes
//
// The worker is the same binary re-executed with WorkerEnv set; programs that
// start a Supervisor must call MaybeRunWorker first thing in main (and in
// TestMain for test binaries).
package shadow
