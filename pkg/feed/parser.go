package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

// rawAttack mirrors one upstream record. Numeric fields may arrive as numbers
// or strings, so they are decoded late.
type rawAttack struct {
	SourceCountry      json.RawMessage `json:"sourceCountry"`
	DestinationCountry json.RawMessage `json:"destinationCountry"`
	Millisecond        json.RawMessage `json:"millisecond"`
	Type               json.RawMessage `json:"type"`
	Weight             json.RawMessage `json:"weight"`
	AttackTime         json.RawMessage `json:"attackTime"`
}

// ParseBatch parses a feed response body into a batch.
// The body is either an array of attacks or an array of arrays of attacks
// (one array per reporting window); nested arrays are flattened in order.
// Records are not validated: missing or mistyped fields become zero values.
func ParseBatch(data []byte) (models.AttackBatch, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("unmarshal feed response: %w", err)
	}

	batch := make(models.AttackBatch, 0, len(elems))
	for i, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 {
			continue
		}

		switch elem[0] {
		case '[':
			var inner []json.RawMessage
			if err := json.Unmarshal(elem, &inner); err != nil {
				return nil, fmt.Errorf("unmarshal window %d: %w", i, err)
			}
			for _, rec := range inner {
				if event, ok := parseAttack(rec); ok {
					batch = append(batch, event)
				}
			}
		case '{':
			if event, ok := parseAttack(elem); ok {
				batch = append(batch, event)
			}
		}
		// Scalars and nulls are not attack records; skip them.
	}

	return batch, nil
}

func parseAttack(data json.RawMessage) (models.AttackEvent, bool) {
	var raw rawAttack
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.AttackEvent{}, false
	}
	return models.AttackEvent{
		SourceCountry:      parseString(raw.SourceCountry),
		DestinationCountry: parseString(raw.DestinationCountry),
		Millisecond:        parseInt(raw.Millisecond),
		Type:               parseString(raw.Type),
		Weight:             parseFloat(raw.Weight),
		AttackTime:         parseString(raw.AttackTime),
	}, true
}

// parseString accepts a JSON string or any scalar, returning its text form.
func parseString(data json.RawMessage) string {
	if len(data) == 0 || string(data) == "null" {
		return ""
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str
	}

	// Numbers and booleans keep their literal text
	if data[0] != '{' && data[0] != '[' {
		return string(data)
	}
	return ""
}

// parseInt parses an integer that can be either a string or number.
func parseInt(data json.RawMessage) int64 {
	if len(data) == 0 {
		return 0
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		if v, err := num.Int64(); err == nil {
			return v
		}
		if f, err := num.Float64(); err == nil {
			return int64(f)
		}
		return 0
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if v, err := strconv.ParseInt(str, 10, 64); err == nil {
			return v
		}
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return int64(f)
		}
	}

	return 0
}

// parseFloat parses a number that can be either a string or number.
func parseFloat(data json.RawMessage) float64 {
	if len(data) == 0 {
		return 0
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		return num
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		f, _ := strconv.ParseFloat(str, 64)
		return f
	}

	return 0
}
