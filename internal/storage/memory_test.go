package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LimitMatchesFileAccounting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1)

	res, err := s.Append(ctx, rawRecord("n1", 0.3))
	require.NoError(t, err)
	assert.Equal(t, Logged, res)

	res, err = s.Append(ctx, rawRecord("n2", 0.3))
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Equal(t, 1, s.Len())

	records, err := Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "n1", records[0].DeviceID)
}

func TestMemoryStore_ReadAllIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_, err := s.Append(ctx, rawRecord("n1", 0.1))
	require.NoError(t, err)

	seq := s.ReadAll(ctx)
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		_, err = s.Append(ctx, rawRecord("n2", 0.1))
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count, "appends made during a range are not observed by it")

	records, err := Collect(ctx, s)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
