// Package model contains the records handed to stream consumers and the typed errors they may see.
package model

import (
	"strings"
)

// DataFormat identifies how the payload of a TopicUpdate is represented.
type DataFormat uint8

const (
	// FormatJSON carries the payload as UTF-8 text.
	FormatJSON DataFormat = iota
	// FormatBinary carries the payload as standard base64.
	FormatBinary
)

func (f DataFormat) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// ParseDataFormat parses the wire name of a DataFormat. The empty string yields FormatJSON.
func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToUpper(s) {
	case "", "JSON":
		return FormatJSON, nil
	case "BINARY":
		return FormatBinary, nil
	default:
		return FormatJSON, ErrInvalidConfig.WithDescription("unknown format " + s)
	}
}

func (f DataFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *DataFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseDataFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// TopicUpdate is a single broker message matched by a subscription. It is never mutated after
// construction.
type TopicUpdate struct {
	Topic     string     `json:"topic"`
	Payload   string     `json:"payload"`
	Format    DataFormat `json:"format"`
	Timestamp int64      `json:"timestamp"`
	QoS       int        `json:"qos"`
	Retained  bool       `json:"retained"`
	ClientID  string     `json:"clientId,omitempty"`
}

// TopicUpdateBatch is a group of updates in arrival order, closed at Timestamp.
type TopicUpdateBatch struct {
	Updates   []*TopicUpdate `json:"updates"`
	Count     int            `json:"count"`
	Timestamp int64          `json:"timestamp"`
}

// NewTopicUpdateBatch builds a batch from the given updates, taking ownership of the slice.
func NewTopicUpdateBatch(updates []*TopicUpdate, timestamp int64) *TopicUpdateBatch {
	return &TopicUpdateBatch{
		Updates:   updates,
		Count:     len(updates),
		Timestamp: timestamp,
	}
}
