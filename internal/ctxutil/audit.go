package ctxutil

// AuditMeta carries the metadata needed to build a MutationAuditEntry.
// It lives in ctxutil so server, mcp and control can all read it without
// circular imports.
type AuditMeta struct {
	RequestID  string
	Actor      string
	ActorRole  string
	HTTPMethod string
	Endpoint   string
}
