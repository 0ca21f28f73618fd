package api

import (
	"fmt"

	"github.com/p-arndt/sandbox-engine/protocol"
)

// maxFiles bounds a single request's file list; the engine itself has no
// such ceiling, but an unbounded multipart-style request is a validation
// concern of the transport, not the Job.
const maxFiles = 32

// validateBatchRequest checks the shape of a batch or interactive-init
// request before it ever reaches the registry or the Job (spec.md §7
// kind 1: validation is fail-fast, pre-Job).
func validateBatchRequest(req protocol.BatchRequest) error {
	if req.Language == "" {
		return NewValidationError("language is required")
	}
	if len(req.Files) == 0 {
		return NewValidationError("at least one file is required")
	}
	if len(req.Files) > maxFiles {
		return NewValidationError(fmt.Sprintf("too many files, max %d", maxFiles))
	}
	if req.RunTimeoutMs < 0 || req.CompileTimeoutMs < 0 {
		return NewValidationError("timeouts must be non-negative")
	}
	if req.RunMemoryLimit < 0 || req.CompileMemoryLimit < 0 {
		return NewValidationError("memory limits must be non-negative")
	}
	return nil
}

// validateSignalName checks a client-supplied signal name against the
// allow-list (spec.md §6); unknown names map to close code 4005.
func validateSignalName(name string) error {
	if _, ok := protocol.AllowedSignals[name]; !ok {
		return NewValidationError("unknown signal: " + name)
	}
	return nil
}
