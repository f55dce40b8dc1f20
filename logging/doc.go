// Package logging defines the Logger interface shared by quorum's packages
// and a slog-backed implementation.
//
// StructuredLogger carries component, request and tenant attributes through
// derived loggers. ModelCall and Stage give provider calls and pipeline
// stages a uniform shape in the logs so latency can be grepped per model or
// per stage.
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false).WithComponent("engine")
//	logging.Stage(logger, req.ID, "model_calls", time.Since(start), nil)
//
// NoOpLogger is the default everywhere a logger is optional.
package logging
