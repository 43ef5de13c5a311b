// Package worker provides the dispatch loop that drives durable executions
// forward.
//
// A Worker repeatedly claims executions that have due pending events and
// hands each claim to one of a fixed number of consumers, which run a drive
// cycle and release the claim. Claims are exclusive across processes, so any
// number of workers can share one backend.
//
// # Claims and retries
//
// Each claim locks the execution for Config.LockDuration. The claim is
// released when the drive ends, whether it succeeded or failed, so a failed
// execution is retried by the next claim. A worker that crashes mid-drive
// leaves its lock behind and the execution is retried once it expires. Since
// a drive commits atomically nothing of the interrupted cycle is visible.
//
// # Idle behaviour
//
// When a claim finds nothing the producer waits Config.IdleDelay before
// polling again. Passing a wake-up channel in Config.Wake (the durable
// package wires the in-process notifier) cuts that wait short as soon as an
// execution has due work, such as a fired timer or a new signal.
//
// # Shutdown
//
// Canceling the context given to Run stops claiming. Drives already in
// progress finish before Run returns; they are never interrupted.
package worker
