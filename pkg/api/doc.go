// Package api contains the types shared by the engine and workflow code.
//
// Most users interact with the root durable package, which re-exports the
// types needed to write and run workflows. This package is for custom
// integrations and for code that extends the engine itself.
//
// # Events
//
// An Event is one fact in the life of an execution. Its Attributes value
// decides its EventType; attributes are serialized as JSON keyed by that
// type, see MarshalAttributes and UnmarshalAttributes. Events that sit in
// the pending set may carry a VisibleAt time before which they are not due.
//
// # Commands
//
// A Command is what a workflow asks the engine to do next: sleep, schedule
// an activity, wait for a signal, wait for several commands at once (WaitAll
// and WaitAny), call a local activity or an HTTP endpoint, finish or cancel.
// Workflow code rarely builds commands itself; the Context methods do it:
//
//	func Greet(ctx *api.Context, input json.RawMessage) (any, error) {
//		var name string
//		if err := ctx.CallActivity("lookup-name", input).Get(&name); err != nil {
//			return nil, err
//		}
//		if err := ctx.Sleep(time.Minute); err != nil {
//			return nil, err
//		}
//		return "hello " + name, nil
//	}
//
// # Observability
//
// Observer receives execution lifecycle callbacks. NoopObserver,
// LoggingObserver, BasicMetrics and CompositeObserver are provided.
package api
