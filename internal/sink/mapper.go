package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"pricerelay/config"
	"pricerelay/models"
)

// Mapper renders records in a sink specific JSON shape.
type Mapper interface {
	Shape() string
	// Map returns the JSON value for one record.
	Map(rec models.Record) interface{}
}

// NewMapper builds the mapper for shape. fieldMap renames canonical record
// fields in the output and is merged over the shape defaults.
func NewMapper(shape, prefix string, fieldMap map[string]string) (Mapper, error) {
	switch shape {
	case config.ShapeFlat, "":
		return &flatMapper{keys: mergeKeys(defaultFlatKeys(), fieldMap)}, nil
	case config.ShapeProperties:
		if prefix == "" {
			prefix = "c_"
		}
		return &propertiesMapper{prefix: prefix, keys: mergeKeys(defaultPropertiesKeys(), fieldMap)}, nil
	default:
		return nil, fmt.Errorf("unsupported sink shape %q", shape)
	}
}

// EncodeRecord encodes a single record.
func EncodeRecord(m Mapper, rec models.Record) ([]byte, error) {
	return json.Marshal(m.Map(rec))
}

// EncodeBatch encodes records as a JSON array in the given order.
func EncodeBatch(m Mapper, recs []models.Record) ([]byte, error) {
	out := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.Map(rec))
	}
	return json.Marshal(out)
}

const (
	keyID        = "id"
	keyTimestamp = "timestamp"
)

func defaultFlatKeys() map[string]string {
	return map[string]string{
		keyID:                      "id",
		keyTimestamp:               "timestamp",
		models.FieldPrice:          "price",
		models.FieldPriceChange24h: "price_change_24h",
		models.FieldMarketCap:      "market_cap",
		models.FieldSupply:         "as",
	}
}

func defaultPropertiesKeys() map[string]string {
	return map[string]string{
		keyID:                      "cmccryptoid",
		keyTimestamp:               "timestampu",
		models.FieldPrice:          "price",
		models.FieldPriceChange24h: "twentyfourhourpricechange",
		models.FieldMarketCap:      "marketcap",
		models.FieldSupply:         "circulatingsupply",
	}
}

func mergeKeys(defaults, overrides map[string]string) map[string]string {
	for k, v := range overrides {
		defaults[k] = v
	}
	return defaults
}

// flatMapper emits {"id":1,"price":...,"timestamp":<raw epoch>}.
type flatMapper struct {
	keys map[string]string
}

func (m *flatMapper) Shape() string { return config.ShapeFlat }

func (m *flatMapper) Map(rec models.Record) interface{} {
	out := make(map[string]interface{}, len(rec.Fields)+2)
	out[m.keys[keyID]] = int64(rec.TopicID)
	out[m.keys[keyTimestamp]] = rec.SourceTimestamp
	for name, v := range rec.Fields {
		out[outputKey(m.keys, name)] = v
	}
	return out
}

// propertiesMapper emits {"properties":{"c_cmccryptoid":1,...}} with an
// RFC 3339 UTC timestamp.
type propertiesMapper struct {
	prefix string
	keys   map[string]string
}

func (m *propertiesMapper) Shape() string { return config.ShapeProperties }

func (m *propertiesMapper) Map(rec models.Record) interface{} {
	props := make(map[string]interface{}, len(rec.Fields)+2)
	props[m.prefix+m.keys[keyID]] = int64(rec.TopicID)
	props[m.prefix+m.keys[keyTimestamp]] = rec.ObservedAt.UTC().Format(time.RFC3339Nano)
	for name, v := range rec.Fields {
		props[m.prefix+outputKey(m.keys, name)] = v
	}
	return map[string]interface{}{"properties": props}
}

func outputKey(keys map[string]string, field string) string {
	if k, ok := keys[field]; ok {
		return k
	}
	return field
}
