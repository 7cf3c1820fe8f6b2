// Package pipeline implements the per-message reply cycle: channel
// authorization, knowledge retrieval, prompt assembly, generation, segmented
// delivery and conversation persistence.
//
// One Orchestrator is built at startup from explicitly injected
// collaborators and then handles every inbound message independently:
//
//	Idle → Gated → Retrieving → Assembling → Generating → Delivering → Persisting → Done
//
// with Aborted reachable from Gated (denied or lookup failure) and from
// Generating (generation failure). Only two outcomes are ever visible to the
// chat platform besides a normal reply: silence and one generic failure
// notice. Every other failure is logged and counted.
package pipeline
