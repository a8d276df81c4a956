package envelope

import (
	"fmt"
	"strconv"
)

// Cursor identifies a position in the message stream.
//
// A zero Timetoken means "start from now". Once advanced by a successful
// long-poll the Timetoken never moves backwards for a given subscription.
type Cursor struct {
	// Timetoken is the server-issued 17-digit position (100ns units since epoch)
	Timetoken uint64

	// Region is the server-issued routing hint that must accompany Timetoken
	Region uint32

	// HasRegion reports whether Region was supplied by the server
	HasRegion bool
}

// NewCursor creates a Cursor for the given timetoken with no region.
func NewCursor(timetoken uint64) Cursor {
	return Cursor{Timetoken: timetoken}
}

// IsZero reports whether the cursor is at the "start from now" position.
func (c Cursor) IsZero() bool {
	return c.Timetoken == 0
}

// WithRegion returns a copy of the cursor carrying the given region.
func (c Cursor) WithRegion(region uint32) Cursor {
	c.Region = region
	c.HasRegion = true
	return c
}

// Merge combines a cursor returned by a handshake with the cursor the caller
// asked to resume from. A non-zero requested timetoken wins; the region always
// comes from the server.
func (c Cursor) Merge(server Cursor) Cursor {
	if c.Timetoken == 0 {
		return server
	}
	merged := Cursor{Timetoken: c.Timetoken, Region: server.Region, HasRegion: server.HasRegion}
	return merged
}

// TimetokenString returns the wire form of the timetoken.
func (c Cursor) TimetokenString() string {
	return strconv.FormatUint(c.Timetoken, 10)
}

// RegionString returns the wire form of the region, or "" when none is known.
func (c Cursor) RegionString() string {
	if !c.HasRegion {
		return ""
	}
	return strconv.FormatUint(uint64(c.Region), 10)
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	if c.HasRegion {
		return fmt.Sprintf("%d@%d", c.Timetoken, c.Region)
	}
	return strconv.FormatUint(c.Timetoken, 10)
}

// ParseTimetoken parses a decimal timetoken as it appears on the wire.
func ParseTimetoken(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	tt, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timetoken %q: %w", s, err)
	}
	return tt, nil
}
