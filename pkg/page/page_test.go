package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowCandidate(t *testing.T) {
	tests := []struct {
		name    string
		row     Row
		want    Candidate
		wantErr error
	}{
		{
			name: "strips at sign and whitespace",
			row:  Row{DisplayName: "  Alice A. ", Username: " @alice "},
			want: Candidate{DisplayName: "Alice A.", Username: "alice"},
		},
		{
			name: "display name falls back to username",
			row:  Row{Username: "@bob"},
			want: Candidate{DisplayName: "bob", Username: "bob"},
		},
		{name: "empty username", row: Row{DisplayName: "Ghost", Username: "@"}, wantErr: ErrEmptyUsername},
		{name: "username with spaces", row: Row{Username: "two words"}, wantErr: ErrEmptyUsername},
		{name: "read error", row: Row{Err: "stale element"}, wantErr: ErrUnreadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.row.Candidate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
