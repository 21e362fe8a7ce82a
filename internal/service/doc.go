// Package service implements supervision of helper processes.
//
// Overview
// The Supervisor launches helpers described by a Command and observes them
// until they exit. Supervise validates the command synchronously and returns
// a Handle right after the background goroutine is scheduled; the helper
// itself is launched and waited for in that goroutine, never on the caller's
// path.
//
// Every Handle ends with exactly one Outcome delivered to the Sink given to
// NewSupervisor:
//   - OutcomeLaunchFailed when the OS refused to create the process
//   - OutcomeExited with the exit code or terminating signal
//
// Data flow:
//
//	host                 Supervisor                 goroutine{handle}        Launcher
//	  |  Supervise(cmd)      |                              |                    |
//	  |--------------------->| validate (ErrInvalidConfig)  |                    |
//	  |                      | schedule (ErrSchedulingFailed)                    |
//	  |<------ *Handle ------|----------------------------->| Launch ----------->| os/exec.Start
//	  |                      |                              | Wait (blocks here) |
//	  |<================ Sink.Report(Outcome) ==============|                    |
//	  |                      |                              | close(Done)        |
//
// Invariants:
//   - Invalid commands never reach the Launcher.
//   - One goroutine per Handle, it alone mutates the Handle.
//   - Each Handle produces one terminal Outcome, reported before Done is closed.
//   - Sinks must not block: ChanSink drops on a full buffer.
//   - Cancel terminates the process group, kills it after Command.Grace and
//     still waits for the exit, so a canceled helper reports OutcomeExited.
//   - A failing or exiting helper never panics nor blocks the host.
//
// There is no restart policy here, hosts layer it over repeated Supervise calls.
package service
