package service

// Package service queues, executes and supervises test runs.
//
// Overview
// The Scheduler owns a FIFO queue of run requests and admits at most
// `limit` of them at a time. Every admitted request is handed to an
// ExecuteFunc, in production Executor.Execute, in its own goroutine.
//
// Executor runs one request end to end. It creates the log artifact,
// starts the process through Runner, copies stdout and stderr both into
// memory and into the artifact, classifies the exit, attaches the optional
// JSON report and stores the Result in Results.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process with the extra environment
//   - streams stdout and stderr into the given writers
//   - arms the timeout guard: SIGTERM at the deadline, SIGKILL after the
//     kill grace period
//   - disarms the guard as soon as Wait returns
//
// Data flow:
//
//   Scheduler             Executor               Runner{cmd}
//       |                    |                       |
//   Submit -> queue          |                       |
//       | drain ------------>| Execute()             |
//       |                    | logs.Create           |
//       |                    | Start() ------------->| os/exec.Start
//       |                    | Results.Put(running)  | output -> capture -> sink
//       |                    | Wait() <--------------| (process exits, pipes drained)
//       |                    | Results.Put(terminal) |
//       |<------ Result -----| sink.Close            |
//   listeners -> Publisher.Notify -> uploaders (parallel)
//   release slot, drain
//
// Invariants:
//   - At most `limit` runs execute at any time.
//   - Queued requests start in submission order.
//   - The slot of a run is released however the run ends, panics included.
//   - Each execution produces one terminal Result.
//   - A timed out run is failed and its Exit is marked TimedOut.
//   - Results keeps the Result of the latest submission per id.
