// Package model defines the provider-agnostic Client contract used by the
// fan-out executor, together with the helpers that sit around it:
//
//   - Mock, a scripted in-memory client for tests and examples
//   - ParseEnvelope, tolerant decoding of the structured JSON reply envelope
//   - Registry, a (tenant, kind) keyed cache of constructed clients
//   - Guard, a small circuit breaker tracking client availability
//
// Providers (OpenAI and OpenAI-compatible endpoints, Anthropic) live in sub
// packages and implement Client so higher layers stay decoupled from vendor
// SDKs.
package model
