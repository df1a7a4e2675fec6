package mcp

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunURI(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name      string
		uri       string
		wantID    uuid.UUID
		wantSub   string
		wantError bool
		errSubstr string
	}{
		{
			name:   "run",
			uri:    "kenkyu://runs/" + id.String(),
			wantID: id,
		},
		{
			name:    "run hypotheses",
			uri:     "kenkyu://runs/" + id.String() + "/hypotheses",
			wantID:  id,
			wantSub: "hypotheses",
		},
		{
			name:      "empty id",
			uri:       "kenkyu://runs//hypotheses",
			wantError: true,
			errSubstr: "empty run id",
		},
		{
			name:      "not a uuid",
			uri:       "kenkyu://runs/latest",
			wantError: true,
			errSubstr: "not a UUID",
		},
		{
			name:      "unknown sub-resource",
			uri:       "kenkyu://runs/" + id.String() + "/interactions",
			wantError: true,
			errSubstr: "invalid run URI",
		},
		{
			name:      "wrong prefix",
			uri:       "other://runs/" + id.String(),
			wantError: true,
			errSubstr: "invalid run URI",
		},
		{
			name:      "empty string",
			uri:       "",
			wantError: true,
			errSubstr: "invalid run URI",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, sub, err := parseRunURI(tt.uri)

			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				assert.Equal(t, uuid.Nil, gotID)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, gotID)
			assert.Equal(t, tt.wantSub, sub)
		})
	}
}
