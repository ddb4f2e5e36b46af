// Package tag defines the core data model: tags, tag values, quality flags
// and alarm thresholds. These types flow through the scheduler, the DVR
// engine and the persistence mirror.
package tag

import "time"

// DataType indicates the type of a tag's value.
type DataType int

const (
	// DataTypeNumeric is a floating point measurement (e.g. temperature).
	DataTypeNumeric DataType = iota
	// DataTypeBoolean is an on/off state (e.g. valve open).
	DataTypeBoolean
	// DataTypeString is a text value (e.g. device status string).
	DataTypeString
)

// String returns a human-readable representation of the DataType.
func (d DataType) String() string {
	switch d {
	case DataTypeNumeric:
		return "numeric"
	case DataTypeBoolean:
		return "boolean"
	case DataTypeString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseDataType parses a config string into a DataType.
// Unknown strings fall back to numeric.
func ParseDataType(s string) DataType {
	switch s {
	case "boolean", "bool":
		return DataTypeBoolean
	case "string", "text":
		return DataTypeString
	default:
		return DataTypeNumeric
	}
}

// Quality is the protocol-level confidence flag on a value.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityNoConnection
)

// String returns a human-readable representation of the Quality.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualityNoConnection:
		return "no-connection"
	default:
		return "unknown"
	}
}

// Usable reports whether a value of this quality should be shown to an
// operator. Bad and no-connection values are recorded for diagnostics but
// excluded from trend and alarm projection.
func (q Quality) Usable() bool {
	return q == QualityGood || q == QualityUncertain
}

// Thresholds holds the alarm/warning limits for a numeric tag.
// A nil field means that limit is not configured.
type Thresholds struct {
	AlarmLow    *float64 `yaml:"alarm_low" json:"alarmLow,omitempty"`
	WarningLow  *float64 `yaml:"warning_low" json:"warningLow,omitempty"`
	WarningHigh *float64 `yaml:"warning_high" json:"warningHigh,omitempty"`
	AlarmHigh   *float64 `yaml:"alarm_high" json:"alarmHigh,omitempty"`
}

// Format controls how a tag's value is displayed.
type Format struct {
	Decimals int    `yaml:"decimals" json:"decimals"`
	Unit     string `yaml:"unit" json:"unit,omitempty"`
}

// Tag describes a single industrial data point. Tags are owned by
// configuration; the scheduler and DVR reference them by ID only.
type Tag struct {
	ID         string     `yaml:"id" json:"id"`
	Address    string     `yaml:"address" json:"address"` // protocol address (OID, register, topic)
	Type       DataType   `yaml:"-" json:"type"`
	Display    Format     `yaml:"display" json:"display"`
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`
	Enabled    bool       `yaml:"enabled" json:"enabled"`
}

// Value represents a single poll outcome for one tag. Values are immutable
// once created; one is produced per poll attempt.
type Value struct {
	TagID       string  `json:"tagId"`
	TimestampMs int64   `json:"timestamp"`
	Quality     Quality `json:"quality"`

	// Numeric carries the value for numeric and boolean tags
	// (booleans as 0/1 so downsampling stays uniform).
	Numeric float64 `json:"value"`

	// Text carries the value for string tags.
	Text string `json:"text,omitempty"`
}

// Time returns the value's timestamp as a time.Time.
func (v *Value) Time() time.Time {
	return time.UnixMilli(v.TimestampMs)
}

// Good reports whether the value carries good quality.
func (v *Value) Good() bool {
	return v.Quality == QualityGood
}
