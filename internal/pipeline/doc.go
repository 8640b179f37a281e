// Package pipeline carries jobs between the workflow stages.
//
// The auditor, refiner and evaluator are stages: each consumes one topic of
// the event bus and may publish a job to the next topic.
//
//	gateway --AuditJob--> auditor --RefineJob--> refiner --EvaluateJob--> evaluator
//	                                     ^                                    |
//	                                     +-------RefineJob (depth+1)----------+
//
// # Envelope
//
// Jobs travel as JSON envelopes:
//
//	{
//	  "id": "…",
//	  "kind": "audit" | "refine" | "evaluate" | "feedback",
//	  "created_at": "…",
//	  "payload": { … job fields … }
//	}
//
// # Delivery
//
// A Runner subscribes every stage to its topic. A stage returning nil, a
// terminal WorkflowError, or a malformed envelope acknowledges the delivery;
// any other error asks the bus for a redelivery.
package pipeline
