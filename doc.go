// Package sagarail is an embeddable saga engine for Go.
//
// Sagarail drives a domain object (the subject) through named transitions of
// a state machine, recording every attempt as a durable task and queueing the
// compensations needed to unwind the work if a later step fails. It runs
// fully in Go, supports multiple persistence backends, and integrates into
// existing codebases without extra infrastructure.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Definition
//  2. Action
//  3. Subject
//  4. Pipeline
//  5. Worker
//
// # Definition
//
// A Definition is the immutable transition map of one pipeline type: each
// transition names an Action, the statuses it may fire from, the status it
// assigns on success, and a retry budget for unexpected failures. Build one
// at startup with NewBuilder:
//
//	def := sagarail.NewBuilder("MailPipeline").
//		Transition("receive", sagarail.TransitionSpec{
//			Action: ReceiveMail{}, From: []string{""}, To: "new",
//		}).
//		Transition("open", sagarail.TransitionSpec{
//			Action: OpenMail{}, From: []string{"new"}, To: "read",
//		}).
//		MustBuild()
//
// # Action
//
// An Action implements Call and returns one of three results: Success with
// state changes to merge, Failure with a cause, or Abort. Optional
// capabilities extend an action along the other rails:
//
//   - Undoer reverses a committed Call when a later transition fails.
//   - Finalizer runs follow-up work after the whole forward chain succeeded.
//   - FinalizeUndoer reverses a committed Undo.
//
// Capabilities are probed at runtime; an action without one simply skips
// that rail.
//
// # Subject
//
// The Subject is the domain object being driven. It exposes a storage blob
// the engine keeps its status, state, and task log in, and a Transact hook
// that wraps each step in the application's transaction (a database
// transaction, typically) so action effects and engine bookkeeping commit or
// roll back together.
//
// # Pipeline
//
// A Pipeline binds a definition, a subject, a storage backend, and a queue
// backend into one transaction. Chain enqueues transitions, Call drains
// them, and Clean compensates whatever has committed so far:
//
//	p, err := sagarail.NewSQLitePipeline(db, def, mail, sagarail.Config{})
//	...
//	p.Chain(ctx, "receive")
//	p.Chain(ctx, "open")
//	err = p.Call(ctx)
//
// Backends: in-memory (tests), SQLite, PostgreSQL, and Redis. Each backend
// pairs durable task queues with a matching task log.
//
// # Worker
//
// The engine hands retry and cleanup jobs to a JobScheduler. The worker
// package ships an in-process scheduler and a worker loop that rebuilds the
// pipeline for each job and resumes its transaction; production setups can
// implement JobScheduler over their own job system instead.
package sagarail
