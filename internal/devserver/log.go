package devserver

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// DefaultRetention is the number of records kept per channel
const DefaultRetention = 1000

// Record is a message stored in the log.
type Record struct {
	Channel   string
	Payload   json.RawMessage
	Meta      json.RawMessage
	Publisher string
	Type      int
	Timetoken uint64
}

// Log is an in-memory, per-channel message log ordered by timetoken.
// Readers block in Wait until a newer record is appended. It is safe for
// concurrent use.
type Log struct {
	mu        sync.Mutex
	channels  map[string][]Record
	last      uint64
	retention int
	now       func() time.Time

	// notify is closed and replaced on every append
	notify chan struct{}
}

// NewLog creates a Log keeping retention records per channel.
func NewLog(retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		channels:  make(map[string][]Record),
		retention: retention,
		now:       time.Now,
		notify:    make(chan struct{}),
	}
}

// Now returns the current timetoken. Timetokens are 100ns ticks since the
// Unix epoch; every record appended later gets a greater one.
func (l *Log) Now() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headLocked()
}

// headLocked reserves the current timetoken so later appends sort after it.
func (l *Log) headLocked() uint64 {
	l.last = max(l.clock(), l.last)
	return l.last
}

func (l *Log) clock() uint64 {
	return uint64(l.now().UnixNano() / 100)
}

// Append stores a record and assigns its timetoken.
func (l *Log) Append(record Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	tt := l.clock()
	if tt <= l.last {
		tt = l.last + 1
	}
	l.last = tt
	record.Timetoken = tt

	records := append(l.channels[record.Channel], record)
	if len(records) > l.retention {
		records = records[len(records)-l.retention:]
	}
	l.channels[record.Channel] = records

	close(l.notify)
	l.notify = make(chan struct{})
	return record
}

// Since returns the records on channels newer than tt in timetoken order,
// and the head timetoken the read was taken at.
func (l *Log) Since(channels []string, tt uint64) ([]Record, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(channels, tt), l.headLocked()
}

func (l *Log) sinceLocked(channels []string, tt uint64) []Record {
	var out []Record
	for _, ch := range channels {
		for _, r := range l.channels[ch] {
			if r.Timetoken > tt {
				out = append(out, r)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b Record) int { return cmp.Compare(a.Timetoken, b.Timetoken) })
	return out
}

// Wait blocks until records newer than tt exist on channels or ctx is done.
// It returns the records found (possibly none) and the head timetoken.
func (l *Log) Wait(ctx context.Context, channels []string, tt uint64) ([]Record, uint64) {
	for {
		l.mu.Lock()
		records := l.sinceLocked(channels, tt)
		head := l.headLocked()
		notify := l.notify
		l.mu.Unlock()

		if len(records) > 0 {
			return records, head
		}

		select {
		case <-ctx.Done():
			return nil, head
		case <-notify:
		}
	}
}
