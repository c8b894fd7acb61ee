package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// leadingKeys are printed before the remaining fields, in this order.
var leadingKeys = []string{"method", "endpoint", "state", "attempt", "outcome", "status"}

// headerKeys are rendered in the text header rather than as fields.
var headerKeys = map[string]bool{"request_id": true, "route": true}

var levelColors = map[Level]string{
	DebugLevel: "\033[90m",
	InfoLevel:  "\033[34m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
}

const colorReset = "\033[0m"

// TextFormatter renders one line per entry:
//
//	<time> [LEVEL] [request id] <route> component/operation: message | k=v ...
type TextFormatter struct {
	TimestampFormat  string
	DisableColors    bool
	DisableTimestamp bool
}

// NewTextFormatter creates a text formatter with millisecond timestamps.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: "2006-01-02 15:04:05.000"}
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		layout := f.TimestampFormat
		if layout == "" {
			layout = time.RFC3339
		}
		buf.WriteString(entry.Timestamp.Format(layout))
		buf.WriteByte(' ')
	}

	level := "[" + entry.Level.String() + "]"
	if color, ok := levelColors[entry.Level]; ok && !f.DisableColors {
		level = color + level + colorReset
	}
	buf.WriteString(level)
	buf.WriteByte(' ')

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}
	if route, ok := entry.Fields["route"].(string); ok && route != "" {
		fmt.Fprintf(&buf, "<%s> ", route)
	}

	skip := func(k string) bool {
		if headerKeys[k] {
			return true
		}
		// component and operation only move to the header together
		if entry.Component == "" {
			return false
		}
		return k == "component" || (k == "operation" && entry.Operation != "")
	}
	if entry.Component != "" {
		buf.WriteString(entry.Component)
		if entry.Operation != "" {
			buf.WriteByte('/')
			buf.WriteString(entry.Operation)
		}
		buf.WriteString(": ")
	}
	buf.WriteString(entry.Message)

	first := true
	for _, k := range orderedKeys(entry.Fields) {
		if skip(k) {
			continue
		}
		if first {
			buf.WriteString(" |")
			first = false
		}
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(textValue(entry.Fields[k]))
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// orderedKeys returns the leading keys that are present followed by the
// rest in lexical order.
func orderedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	lead := make(map[string]bool, len(leadingKeys))
	for _, k := range leadingKeys {
		if _, ok := fields[k]; ok {
			keys = append(keys, k)
			lead[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !lead[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func textValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = val
	case error:
		s = val.Error()
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []byte:
		return strconv.Itoa(len(val)) + "B"
	case fmt.Stringer:
		s = val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// JSONFormatter renders one JSON object per line. Fields are flattened next
// to level, message and timestamp.
type JSONFormatter struct {
	PrettyPrint      bool
	TimestampFormat  string
	DisableTimestamp bool
}

// NewJSONFormatter creates a JSON formatter with RFC 3339 millisecond
// timestamps.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		data[k] = jsonValue(v)
	}
	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	if !f.DisableTimestamp {
		layout := f.TimestampFormat
		if layout == "" {
			layout = time.RFC3339Nano
		}
		data["timestamp"] = entry.Timestamp.Format(layout)
	}

	var (
		out []byte
		err error
	)
	if f.PrettyPrint {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}

func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case time.Duration:
		return val.String()
	case []byte:
		return len(val)
	default:
		return v
	}
}
