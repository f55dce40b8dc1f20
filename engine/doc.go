// Package engine runs accepted consensus requests asynchronously.
//
// The Engine is the background half of the service: submission returns as
// soon as the request is persisted, and the engine then drives it through
// the pipeline on its own goroutine.
//
// # Pipeline
//
//  1. pending -> queued, "consensus_queued" notification
//  2. priority pacing delay (urgent 0s, high 5s, normal 10s by default)
//  3. concurrency slot (Config.MaxConcurrentRuns)
//  4. queued -> processing, "consensus_started" with the selected models
//  5. fan-out to every available model under the priority deadline, with
//     per-model "consensus_progress" notifications
//  6. resolution with the request strategy; an empty fan-out falls back to
//     single models in fallback order
//  7. exactly one terminal transition with the result attached, the
//     terminal notification and, if requested, one HTTP callback
//
// # Cancellation
//
// Status changes go through lifecycle.Manager, whose compare-and-set
// transitions make the first terminal writer win. Cancel aborts the run
// context; results produced after that are discarded and nothing further
// is emitted. Shutdown interrupts every run and records it as failed.
//
// # Callbacks
//
// CallbackManager lets callers hook into the stages before_fanout,
// after_fanout, after_resolve and on_terminal:
//
//	eng.Callbacks().RegisterCallback(engine.NewFunctionCallback(
//	    engine.CallbackAfterResolve,
//	    func(ctx context.Context, cc *engine.CallbackContext) error {
//	        metrics.Observe(cc.Result.Confidence)
//	        return nil
//	    },
//	))
//
// Panics anywhere in stages 5 and 6, including in callbacks, fail the
// request instead of the process.
package engine
