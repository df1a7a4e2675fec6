package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// buildAuditEntry constructs a MutationAuditEntry from the current request.
func buildAuditEntry(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) storage.MutationAuditEntry {
	meta := ctxutil.AuditMetaFromContext(r.Context())
	if meta.Actor == "" {
		meta.Actor = "unknown"
		meta.ActorRole = "unknown"
	}
	return storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		Actor:        meta.Actor,
		ActorRole:    meta.ActorRole,
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     metadata,
	}
}

// recordMutationAuditBestEffort appends a mutation audit event, retrying
// briefly. Run control writes its own entries; this covers the mutations
// handled directly here (run creation, hypothesis deletion, scoped tokens).
func (h *Handlers) recordMutationAuditBestEffort(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) error {
	entry := buildAuditEntry(r, operation, resourceType, resourceID, beforeData, afterData, metadata)

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.store.InsertMutationAudit(writeCtx, entry)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("mutation audit write context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("mutation audit write failed after retries: %w", lastErr)
}

// auditOrLog records a mutation and logs, without failing the request, if
// the audit write does not land.
func (h *Handlers) auditOrLog(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) {
	if err := h.recordMutationAuditBestEffort(r, operation, resourceType, resourceID, beforeData, afterData, metadata); err != nil {
		h.logger.Error("mutation audit write failed",
			"operation", operation,
			"resource_id", resourceID,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
	}
}
