// Package normalizer turns upstream push frames into canonical records.
package normalizer

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"pricerelay/logger"
	"pricerelay/models"
)

// Status is the outcome class of one Normalize call.
type Status int

const (
	StatusOK Status = iota
	StatusNotApplicable
)

// Reason explains why a frame produced no record.
type Reason string

const (
	ReasonMalformedJSON    Reason = "malformed_json"
	ReasonMissingEnvelope  Reason = "missing_envelope"
	ReasonInvalidID        Reason = "invalid_id"
	ReasonUntrackedTopic   Reason = "untracked_topic"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
)

// Result describes what Normalize did with a frame.
type Result struct {
	Status Status
	Reason Reason
}

var okResult = Result{Status: StatusOK}

func notApplicable(reason Reason) Result {
	return Result{Status: StatusNotApplicable, Reason: reason}
}

func (r Result) OK() bool { return r.Status == StatusOK }

// Label is the metric label for the result: "ok" or the rejection reason.
func (r Result) Label() string {
	if r.OK() {
		return "ok"
	}
	return string(r.Reason)
}

// millisecondDigits is the digit count above which a raw epoch is read as
// milliseconds rather than seconds.
const millisecondDigits = 10

// maxTimestampDigits bounds millisecond epochs; longer values are rejected.
const maxTimestampDigits = 13

const (
	envelopeKey  = "d"
	idKey        = "id"
	timestampKey = "t"
)

// Normalizer validates frames against the tracked topic set and maps envelope
// keys to canonical field names. It is safe for concurrent use.
type Normalizer struct {
	topics models.TopicSet
	fields map[string]string
	log    *logger.Log
}

// New creates a Normalizer. fieldMap maps envelope keys (p, p24h, ...) to
// record field names; an empty map selects the default mapping.
func New(topics models.TopicSet, fieldMap map[string]string) *Normalizer {
	if len(fieldMap) == 0 {
		fieldMap = DefaultFieldMap()
	}
	fields := make(map[string]string, len(fieldMap))
	for k, v := range fieldMap {
		fields[k] = v
	}
	return &Normalizer{
		topics: topics,
		fields: fields,
		log:    logger.GetLogger(),
	}
}

// DefaultFieldMap is the envelope mapping used by the price feed.
func DefaultFieldMap() map[string]string {
	return map[string]string{
		"p":    models.FieldPrice,
		"p24h": models.FieldPriceChange24h,
		"mc":   models.FieldMarketCap,
		"as":   models.FieldSupply,
	}
}

// Normalize parses one raw frame. Frames that cannot become a record yield a
// zero Record and a NotApplicable result; Normalize never panics on input.
func (n *Normalizer) Normalize(raw []byte) (models.Record, Result) {
	log := n.log.WithComponent("normalizer")

	if !gjson.ValidBytes(raw) {
		log.WithFields(logger.Fields{"reason": ReasonMalformedJSON, "payload": snippet(raw)}).Warn("dropping malformed message")
		return models.Record{}, notApplicable(ReasonMalformedJSON)
	}

	doc := gjson.ParseBytes(raw)
	envelope := doc.Get(envelopeKey)
	if !envelope.IsObject() {
		// Subscription acks and heartbeats carry no envelope.
		log.WithFields(logger.Fields{"reason": ReasonMissingEnvelope, "payload": snippet(raw)}).Debug("message without envelope")
		return models.Record{}, notApplicable(ReasonMissingEnvelope)
	}

	id, ok := parseID(envelope.Get(idKey))
	if !ok {
		log.WithFields(logger.Fields{"reason": ReasonInvalidID, "payload": snippet(raw)}).Warn("dropping message with invalid id")
		return models.Record{}, notApplicable(ReasonInvalidID)
	}
	topic := models.TopicID(id)
	if !n.topics.Contains(topic) {
		log.WithFields(logger.Fields{"topic": topic.String()}).Debug("ignoring untracked topic")
		return models.Record{}, notApplicable(ReasonUntrackedTopic)
	}

	rawTS, millis, ok := parseTimestamp(doc.Get(timestampKey))
	if !ok {
		log.WithFields(logger.Fields{"reason": ReasonInvalidTimestamp, "topic": topic.String(), "t": doc.Get(timestampKey).Raw}).Warn("dropping message with invalid timestamp")
		return models.Record{}, notApplicable(ReasonInvalidTimestamp)
	}

	values := make(map[string]gjson.Result, len(n.fields))
	envelope.ForEach(func(key, value gjson.Result) bool {
		values[key.String()] = value
		return true
	})

	record := models.Record{
		TopicID:         topic,
		Fields:          make(map[string]*float64, len(n.fields)),
		ObservedAt:      time.UnixMilli(millis).UTC(),
		SourceTimestamp: rawTS,
	}
	for key, name := range n.fields {
		record.Fields[name] = parseField(values[key])
	}

	return record, okResult
}

func parseID(v gjson.Result) (int64, bool) {
	if v.Type != gjson.Number {
		return 0, false
	}
	id, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseTimestamp accepts a positive integer epoch, as a JSON number or a
// numeric string, and returns it together with its millisecond value.
func parseTimestamp(v gjson.Result) (int64, int64, bool) {
	var text string
	switch v.Type {
	case gjson.Number:
		text = v.Raw
	case gjson.String:
		text = strings.TrimSpace(v.Str)
	default:
		return 0, 0, false
	}
	if text == "" || !isDigits(text) {
		return 0, 0, false
	}

	ts, err := strconv.ParseInt(text, 10, 64)
	if err != nil || ts <= 0 {
		return 0, 0, false
	}

	digits := len(strings.TrimLeft(text, "0"))
	switch {
	case digits > maxTimestampDigits:
		// Micro- and nanosecond epochs would land millennia ahead and pin
		// the cache entry.
		return 0, 0, false
	case digits > millisecondDigits:
		return ts, ts, true
	default:
		return ts, ts * 1000, true
	}
}

func parseField(v gjson.Result) *float64 {
	switch v.Type {
	case gjson.Number:
		return models.Float(v.Num)
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return models.Float(f)
	default:
		return nil
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func snippet(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
