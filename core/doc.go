// Package core provides the domain types and contracts shared by every
// quorum package:
//
//   - ConsensusRequest and its monotone Status lifecycle
//   - ModelResponse and ConsensusResult produced by fan-out and resolution
//   - NotificationEvent and the Notifier sink contract
//   - RequestStore, the persistence contract with an atomic status update
//   - the error taxonomy (ValidationError, TransitionError, AdapterError and
//     sentinel errors for errors.Is checks)
//
// Implementations (stores, notifiers, the pipeline engine) live in their own
// packages and depend only on these small interfaces.
package core
