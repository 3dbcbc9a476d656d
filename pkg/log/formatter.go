package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// TextFormatter renders entries as a single human-readable line:
//
//	2024-01-02T15:04:05.000Z INFO  relay started component=relay peer=10.0.0.2:3301
type TextFormatter struct {
	// DisableTimestamp omits the leading timestamp.
	DisableTimestamp bool
	// ShowCaller appends the caller file:line.
	ShowCaller bool
}

func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var b bytes.Buffer
	if !f.DisableTimestamp {
		b.WriteString(e.Timestamp.Format(timeLayout))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s %s", e.Level.String(), e.Message)
	for _, k := range sortedKeys(e.Fields) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(stringify(e.Fields[k])))
	}
	if f.ShowCaller && e.Caller != "" {
		b.WriteString(" caller=")
		b.WriteString(e.Caller)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct {
	ShowCaller bool
}

func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		switch val := v.(type) {
		case error:
			m[k] = val.Error()
		case fmt.Stringer:
			m[k] = val.String()
		default:
			m[k] = v
		}
	}
	m["time"] = e.Timestamp.Format(timeLayout)
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	if f.ShowCaller && e.Caller != "" {
		m["caller"] = e.Caller
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func sortedKeys(m Fields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(timeLayout)
	default:
		return fmt.Sprint(v)
	}
}

func quoteIfNeeded(s string) string {
	for _, r := range s {
		if r == ' ' || r == '"' || r == '=' || r < 0x20 {
			return strconv.Quote(s)
		}
	}
	return s
}
