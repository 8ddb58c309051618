// Package job defines the job entity, its state machine, typed
// definitions, and the persistence contract.
//
// # Job Entity
//
// A [Job] represents one unit of asynchronous work. It embeds
// [conveyor.Entity] for timestamps, carries a JSON payload, and moves
// through a state machine:
//
//	waiting → active → completed
//	waiting → active → delayed → waiting → ...   (retry with backoff)
//	waiting → active → failed                    (attempts exhausted)
//
// Completed jobs are retained briefly; failed jobs are retained longer and
// in greater number so they can be inspected after the fact. Both are
// eventually removed by retention.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at submit time and deserialized before the handler runs:
//
//	var sendEmail = job.NewDefinition("email:send",
//	    func(ctx context.Context, p tasks.EmailPayload) error {
//	        return mailer.Send(ctx, p.To, p.Subject, p.HTML)
//	    },
//	)
//
// # Registry
//
// [Registry] maps type names to type-erased [HandlerFunc] values. The set
// of type names per queue is a closed catalog declared in the tasks
// package; [Registry.Covers] verifies at startup that every catalog entry
// has a handler. A type name that still reaches a worker unregistered is a
// handler error and follows the normal retry/failure path — never a silent
// no-op.
package job
