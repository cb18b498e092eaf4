package ingest

import (
	"fmt"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Per-message validation limits
const (
	MaxMessageTypeLength = 64      // message_type column width
	MaxFieldsPerMessage  = 256     // Maximum fields per message
	MaxFieldNameLength   = 128     // Maximum field name length
	MaxStringValueLength = 4096    // Maximum string field value length
	MaxLineBytes         = 1 << 20 // Maximum NDJSON line size
)

var (
	// ErrMessageTypeEmpty is returned when a message has no type
	ErrMessageTypeEmpty = fmt.Errorf("message type cannot be empty")

	// ErrMessageTypeTooLong is returned when a message type is too long
	ErrMessageTypeTooLong = fmt.Errorf("message type too long (max %d chars)", MaxMessageTypeLength)

	// ErrTooManyFields is returned when a message has too many fields
	ErrTooManyFields = fmt.Errorf("too many fields (max %d)", MaxFieldsPerMessage)

	// ErrFieldNameTooLong is returned when a field name is too long
	ErrFieldNameTooLong = fmt.Errorf("field name too long (max %d chars)", MaxFieldNameLength)

	// ErrStringTooLong is returned when a string field value is too long
	ErrStringTooLong = fmt.Errorf("string value too long (max %d chars)", MaxStringValueLength)

	// ErrUnsupportedValue is returned for field values that are not scalars
	ErrUnsupportedValue = fmt.Errorf("field values must be numbers, strings or booleans")

	// ErrMissingTimestamp is returned when no timestamp can be derived for a line
	ErrMissingTimestamp = fmt.Errorf("missing timestamp")

	// ErrLineTooLong is returned when an input line exceeds MaxLineBytes
	ErrLineTooLong = fmt.Errorf("input line too long (max %d bytes)", MaxLineBytes)
)

// ValidateMessage validates a message against the per-message limits
func ValidateMessage(m telemetry.Message) error {
	if m.Type == "" {
		return ErrMessageTypeEmpty
	}
	if len(m.Type) > MaxMessageTypeLength {
		return fmt.Errorf("%w: %q has %d chars", ErrMessageTypeTooLong, m.Type, len(m.Type))
	}

	if len(m.Fields) > MaxFieldsPerMessage {
		return fmt.Errorf("%w: %s has %d fields", ErrTooManyFields, m.Type, len(m.Fields))
	}

	for k, v := range m.Fields {
		if len(k) > MaxFieldNameLength {
			return fmt.Errorf("%w: field %q in %s", ErrFieldNameTooLong, k, m.Type)
		}
		switch val := v.(type) {
		case string:
			if len(val) > MaxStringValueLength {
				return fmt.Errorf("%w: field %q in %s", ErrStringTooLong, k, m.Type)
			}
		case bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		default:
			return fmt.Errorf("%w: field %q in %s is %T", ErrUnsupportedValue, k, m.Type, v)
		}
	}

	return nil
}
