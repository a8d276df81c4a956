package devserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilters_Match(t *testing.T) {
	meta := json.RawMessage(`{"region":"eu","priority":3,"user":{"tier":"gold"}}`)

	tests := []struct {
		name    string
		expr    string
		meta    json.RawMessage
		want    bool
		wantErr bool
	}{
		{name: "empty_matches", expr: "  ", meta: nil, want: true},
		{name: "string_equality", expr: "region == 'eu'", meta: meta, want: true},
		{name: "string_inequality", expr: "region != 'eu'", meta: meta, want: false},
		{name: "numeric", expr: "priority > 2 && region == 'eu'", meta: meta, want: true},
		{name: "nested_key", expr: "[user.tier] == 'gold'", meta: meta, want: true},
		{name: "missing_key", expr: "region == 'eu'", meta: nil, want: false, wantErr: true},
		{name: "not_boolean", expr: "priority + 1", meta: meta, want: false, wantErr: true},
		{name: "syntax_error", expr: "region ==", meta: meta, want: false, wantErr: true},
	}

	f := NewFilters()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Match(tt.expr, tt.meta)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilters_CompileCaches(t *testing.T) {
	f := NewFilters()
	a, err := f.Compile("region == 'eu'")
	require.NoError(t, err)
	b, err := f.Compile("region == 'eu'")
	require.NoError(t, err)
	assert.Same(t, a, b)
}
