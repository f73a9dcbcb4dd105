// Package pipeline drives a goal from analysis to finished code.
//
// An [Orchestrator] runs each pipeline through
//
//	created → analysing → planning → dispatching → coding → completed | failed
//
// The analyser and planner are single completions submitted through the
// execution pool; their output is parsed into [plan.Analysis] and
// [plan.Plan]. Dispatching fixes every task's model tier and announces it
// with a delegated event, and coding hands the plan to a
// [dispatch.Dispatcher]. A pipeline completes only if every task completed.
//
// Failures never escape: a bad analysis, a bad plan, a provider error or a
// panic all end in a failed [State] with a human-readable error and a failed
// activity event from the agent that was working at the time.
//
// # Usage
//
//	o, _ := pipeline.New(pipeline.Config{Pool: p, Completer: router, Bus: bus})
//	state := o.RunPipeline(ctx, pipeline.Request{Goal: "add rate limiting"})
//	fmt.Println(state.Status, state.Completed, "/", state.Total)
package pipeline
