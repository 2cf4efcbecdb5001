// Package engine provides the shared types of the remoteman convergence agent.
//
// # Overview
//
// A convergence cycle runs in four steps:
//
//  1. Identity - resolve the host name the agent presents (package hostid)
//  2. Fetch - request the per-host job table from the coordination endpoint (package client)
//  3. Resolve - load each job's spec, recording failures per job (package jobs)
//  4. Dispatch - run each job through its handler and collect results (package handlers)
//
// The cycle is driven once from the command line or repeatedly by package agent.
//
// # Results
//
// Each job yields an ExecutionResult with one of four statuses:
//
//   - unchanged: actual state already matched
//   - would-change: a change is needed but commit was disabled
//   - changed: the handler applied a change
//   - error: the job could not be inspected or applied
//
// A cycle yields a Result holding per-job results plus a list of load-level errors.
//
// # Errors
//
// Errors crossing package boundaries are *Error values classified by ErrorKind:
//
//	if engine.IsRPC(err) {
//	    // coordination endpoint unreachable, record and continue
//	}
//
// Job and handler failures are recorded as data in the Result. Only usage errors
// and an unreadable top-level spec terminate the process.
package engine
