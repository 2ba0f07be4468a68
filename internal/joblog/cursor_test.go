package joblog

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	created := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	encoded := EncodeJobCursor(&JobCursor{CreatedAt: created, JobID: "0d6f-job|with-pipe"})

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, created.Equal(decoded.CreatedAt))
	assert.Equal(t, "0d6f-job|with-pipe", decoded.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "%%%"},
		{name: "missing separator", cursor: base64.URLEncoding.EncodeToString([]byte("12345"))},
		{name: "bad timestamp", cursor: base64.URLEncoding.EncodeToString([]byte("abc|job"))},
		{name: "empty job id", cursor: base64.URLEncoding.EncodeToString([]byte("12345|"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}
