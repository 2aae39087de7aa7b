// Package memory implements a tiered, per-user long-term memory for a
// conversational agent.
//
// Interaction events are logged as RAW records into an embedding-searchable
// store. When enough RAW records accumulate for an owner, the consolidation
// engine distills them into durable INSIGHT records through an external
// summarizer and deletes the consumed batch. When enough insights
// accumulate, a second consolidation pass folds them into the owner's
// structured behavioral profile and forgets the insights the profile now
// captures.
//
// The main types:
//
//   - Store: record rows in SQLite plus a VectorIndex for similarity search
//   - StateLedger: durable per-owner counters and volatile scalars
//   - ProfileStore: durable per-owner behavioral profile
//   - Retriever: composes the per-turn context bundle
//   - Consolidator: both compaction transitions, single-flight per owner
//   - Manager: the facade consumed by the agent layer
//
// External capabilities (the summarizer and the embedder) are interfaces;
// implementations for OpenAI-compatible, Anthropic, and Ollama endpoints
// live in this package and its subpackages.
package memory
