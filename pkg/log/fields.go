package log

import (
	"time"

	"code.cloudfoundry.org/bytefmt"
)

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field from any value.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

func Str(key, value string) Field            { return Field{Key: key, Value: value} }
func Int(key string, value int) Field        { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field    { return Field{Key: key, Value: value} }
func Uint32(key string, value uint32) Field  { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field  { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field      { return Field{Key: key, Value: value} }
func Float64(key string, v float64) Field    { return Field{Key: key, Value: v} }
func Time(key string, value time.Time) Field { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Dur renders a duration in its String form.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Bytes renders a byte count in human units (e.g. "64M").
func Bytes(key string, n uint64) Field { return Field{Key: key, Value: bytefmt.ByteSize(n)} }

// Err attaches an error under the "error" key. A nil error yields an empty
// string so call sites need not branch.
func Err(err error) Field {
	if err == nil {
		return Field{Key: ErrorKey, Value: ""}
	}
	return Field{Key: ErrorKey, Value: err}
}

// Component tags a log line with the emitting component.
func Component(name string) Field { return Field{Key: ComponentKey, Value: name} }
