package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"300", 300, false},
		{" 500₽ ", 500, false},
		{"1000 руб", 1000, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10", 0, true},
		{"-300", 0, true},
		{"1000000", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
