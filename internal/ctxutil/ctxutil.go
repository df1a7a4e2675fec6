// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read JWT claims
// from the context that server's auth middleware populates. Both packages
// import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kenkyu/internal/auth"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyAudit  contextKey = "audit_meta"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithAuditMeta returns a new context carrying request metadata for the
// mutation audit log.
func WithAuditMeta(ctx context.Context, meta AuditMeta) context.Context {
	return context.WithValue(ctx, keyAudit, meta)
}

// AuditMetaFromContext returns the audit metadata attached to ctx. When none
// was attached it falls back to the claims, so calls from MCP tools are
// still attributed.
func AuditMetaFromContext(ctx context.Context) AuditMeta {
	if v, ok := ctx.Value(keyAudit).(AuditMeta); ok {
		return v
	}
	var meta AuditMeta
	if c := ClaimsFromContext(ctx); c != nil {
		meta.Actor = c.Subject
		meta.ActorRole = string(c.Role)
	}
	return meta
}
