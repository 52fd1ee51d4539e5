package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TopicID identifies one tracked upstream stream, e.g. an asset id.
type TopicID int64

func (t TopicID) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// TopicSet is the fixed set of topics a relay instance tracks.
type TopicSet struct {
	ids map[TopicID]struct{}
}

// NewTopicSet builds a set from ids, dropping duplicates.
func NewTopicSet(ids ...int64) TopicSet {
	set := TopicSet{ids: make(map[TopicID]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[TopicID(id)] = struct{}{}
	}
	return set
}

func (s TopicSet) Contains(id TopicID) bool {
	_, ok := s.ids[id]
	return ok
}

func (s TopicSet) Len() int {
	return len(s.ids)
}

// Sorted returns the ids in ascending order.
func (s TopicSet) Sorted() []TopicID {
	out := make([]TopicID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Join renders the ids as a comma separated list in ascending order.
func (s TopicSet) Join() string {
	ids := s.Sorted()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// Canonical record field names.
const (
	FieldPrice          = "price"
	FieldPriceChange24h = "price_change_24h"
	FieldMarketCap      = "market_cap"
	FieldSupply         = "supply"
)

// Record is one normalized, timestamped observation for a topic. A nil field
// value means the upstream message did not carry it.
type Record struct {
	TopicID    TopicID
	Fields     map[string]*float64
	ObservedAt time.Time
	// SourceTimestamp keeps the epoch value as received, before unit detection.
	SourceTimestamp int64
}

// Field returns the named value and whether it was present.
func (r Record) Field(name string) (float64, bool) {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Clone returns a deep copy so callers can hold it without sharing pointers.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]*float64, len(r.Fields))
		for k, v := range r.Fields {
			if v == nil {
				out.Fields[k] = nil
				continue
			}
			val := *v
			out.Fields[k] = &val
		}
	}
	return out
}

// Float returns a pointer to v, for building Records by hand.
func Float(v float64) *float64 {
	return &v
}

// RawMessage is one upstream frame as read off the connection.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// BusMessage is one message received from the local broker.
type BusMessage struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
}
