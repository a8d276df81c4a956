package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor(t *testing.T) {
	t.Run("zero_value_starts_from_now", func(t *testing.T) {
		var c Cursor
		assert.True(t, c.IsZero())
		assert.Equal(t, "0", c.TimetokenString())
		assert.Empty(t, c.RegionString())
	})

	t.Run("with_region", func(t *testing.T) {
		c := NewCursor(100).WithRegion(0)
		assert.True(t, c.HasRegion)
		assert.Equal(t, "0", c.RegionString())
		assert.Equal(t, "100@0", c.String())
	})

	t.Run("merge_keeps_requested_timetoken", func(t *testing.T) {
		requested := NewCursor(500)
		server := NewCursor(900).WithRegion(4)

		merged := requested.Merge(server)
		assert.Equal(t, uint64(500), merged.Timetoken)
		assert.Equal(t, uint32(4), merged.Region)
		assert.True(t, merged.HasRegion)
	})

	t.Run("merge_from_zero_adopts_server", func(t *testing.T) {
		server := NewCursor(900).WithRegion(4)
		assert.Equal(t, server, Cursor{}.Merge(server))
	})
}

func TestParseTimetoken(t *testing.T) {
	tt, err := ParseTimetoken("17069951001234567")
	require.NoError(t, err)
	assert.Equal(t, uint64(17069951001234567), tt)

	tt, err = ParseTimetoken("")
	require.NoError(t, err)
	assert.Zero(t, tt)

	_, err = ParseTimetoken("-1")
	assert.Error(t, err)
}
