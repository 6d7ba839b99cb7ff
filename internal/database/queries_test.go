package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func Test_translateError(t *testing.T) {
	tt := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: nil,
		},
		{
			name:     "unique violation",
			err:      &pq.Error{Code: uniqueViolation},
			expected: ErrAlreadyExists,
		},
		{
			name:     "wrapped unique violation",
			err:      fmt.Errorf("insert: %w", &pq.Error{Code: uniqueViolation}),
			expected: ErrAlreadyExists,
		},
		{
			name:     "other postgres error",
			err:      &pq.Error{Code: "23503"},
			expected: &pq.Error{Code: "23503"},
		},
		{
			name:     "non-postgres error",
			err:      errors.New("connection refused"),
			expected: errors.New("connection refused"),
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, translateError(tc.err), "expected the translated error")
		})
	}
}
