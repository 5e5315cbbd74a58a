// Package temporal implements the workflow engine adapter backed by Temporal
// (https://temporal.io). It satisfies the generic engine.Engine interface so
// orchestration code schedules durable extraction jobs without importing the
// Temporal SDK directly.
//
// # Why Temporal?
//
// Knowledge extraction runs for hours: it chunks large corpora, calls
// language models with rate limits, and persists thousands of entities.
// Temporal keeps that progress durable. When a worker crashes mid-phase the
// workflow replays from event history and resumes from the last completed
// activity instead of restarting the whole job.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "pilot.extraction",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Worker vs Client Mode
//
// The same engine operates in two modes:
//
//   - Worker mode: polls task queues and executes workflows locally. Use in
//     processes that register the extraction workflow and its activities.
//
//   - Client mode: submits workflows without local execution. Use in API
//     gateways that start jobs but don't process them.
//
// Both modes use the same Options; client-only processes simply skip
// registration.
//
// # Workflow Determinism
//
// Temporal workflows must be deterministic: given the same inputs and event
// history they must produce the same outputs. The WorkflowContext returned to
// handlers exposes only deterministic operations:
//
//   - Now() returns workflow time (not wall clock)
//   - Sleep() uses durable timers
//   - ExecuteActivity and ExecuteActivityAsync schedule activities
//   - PauseRequests/ResumeRequests/CancelRequests return deterministic
//     signal receivers
//
// Extractors, ingesters and store writes run inside activities, which are not
// constrained by determinism.
//
// # Heartbeats and Retries
//
// Activity handlers receive a context wired for engine.RecordHeartbeat, which
// maps to Temporal activity heartbeats. Errors wrapped with engine.Permanent
// become non-retryable application errors, stopping the retry policy early.
//
// # OpenTelemetry Integration
//
// The engine installs OTEL interceptors on the Temporal client and worker,
// propagating trace context through workflow and activity boundaries.
package temporal
