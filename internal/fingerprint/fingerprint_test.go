package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "lowercase hex passes through",
			raw:  strings.Repeat("a", Length),
			want: strings.Repeat("a", Length),
		},
		{
			name: "uppercase is lowered",
			raw:  strings.Repeat("AB", Length/2),
			want: strings.Repeat("ab", Length/2),
		},
		{
			name: "surrounding whitespace is trimmed",
			raw:  " " + strings.Repeat("0", Length) + "\t",
			want: strings.Repeat("0", Length),
		},
		{
			name:    "too short",
			raw:     strings.Repeat("a", Length-1),
			wantErr: true,
		},
		{
			name:    "too long",
			raw:     strings.Repeat("a", Length+1),
			wantErr: true,
		},
		{
			name:    "non-hex characters",
			raw:     strings.Repeat("g", Length),
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Normalize(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, Valid(strings.Repeat("f", Length)))
	require.False(t, Valid("not-a-fingerprint"))
}
