package pagination

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id        snowflake.ID
	createdAt time.Time
}

func TestKeysetRoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 10, 30, 0, 123000000, time.UTC)
	token := EncodeKeyset(snowflake.ID(42), createdAt)

	keyset, err := DecodeKeyset(token)
	require.NoError(t, err)
	require.NotNil(t, keyset)
	assert.Equal(t, snowflake.ID(42), keyset.ID)
	assert.True(t, keyset.CreatedAt.Equal(createdAt))
}

func TestDecodeKeysetRejectsGarbage(t *testing.T) {
	_, err := DecodeKeyset("not-a-token!")
	require.ErrorIs(t, err, ErrInvalidPageToken)

	keyset, err := DecodeKeyset("")
	require.NoError(t, err)
	assert.Nil(t, keyset)
}

func TestBuildCursorPageInfo(t *testing.T) {
	now := time.Now().UTC()
	rows := []*row{{id: 3, createdAt: now}, {id: 2, createdAt: now}, {id: 1, createdAt: now}}

	info := BuildCursorPageInfo(rows, 2, func(r *row) string { return EncodeKeyset(r.id, r.createdAt) })
	assert.True(t, info.HasMore)
	keyset, err := DecodeKeyset(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(2), keyset.ID)

	info = BuildCursorPageInfo(rows, 5, func(r *row) string { return "" })
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestPaginationSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
