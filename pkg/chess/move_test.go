package chess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUCI(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "e2e4", want: "e2e4"},
		{in: " E7E8Q ", want: "e7e8q"},
		{in: "a7a8n", want: "a7a8n"},
		{in: "e2e", wantErr: true},
		{in: "e2e4e5", wantErr: true},
		{in: "i2e4", wantErr: true},
		{in: "e9e4", wantErr: true},
		{in: "e7e8k", wantErr: true},
		{in: "e4e4", wantErr: true},
		{in: "Nf3", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseUCI(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedMove)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestParseTimeControl(t *testing.T) {
	tc, err := ParseTimeControl("3+2")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, tc.WhiteTime)
	assert.Equal(t, 3*time.Minute, tc.BlackTime)
	assert.Equal(t, 2*time.Second, tc.BlackIncrement)
	assert.Equal(t, "3+2", tc.String())

	tc, err = ParseTimeControl("5")
	require.NoError(t, err)
	assert.Equal(t, "5+0", tc.String())

	tc, err = ParseTimeControl("")
	require.NoError(t, err)
	assert.True(t, tc.Untimed())

	_, err = ParseTimeControl("x+1")
	assert.Error(t, err)
	_, err = ParseTimeControl("5+-1")
	assert.Error(t, err)
}

func TestColor(t *testing.T) {
	assert.Equal(t, Black, White.Opp())
	assert.Equal(t, White, Black.Opp())

	c, err := ParseColor("black")
	require.NoError(t, err)
	assert.Equal(t, Black, c)
	assert.Equal(t, "black", c.String())

	_, err = ParseColor("red")
	assert.Error(t, err)
}
