package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Ingest coerces an arbitrary payload into a Dataset. It accepts a decoded
// JSON object (map[string]any), raw JSON ([]byte, json.RawMessage, string),
// or an existing Dataset. Missing or non-array fields become empty slices and
// non-object elements are dropped. Ingest never fails: an undecodable
// payload yields an empty Dataset.
func Ingest(payload any) Dataset {
	var obj map[string]any
	switch v := payload.(type) {
	case Dataset:
		return cloneDataset(v)
	case *Dataset:
		if v == nil {
			return emptyDataset()
		}
		return cloneDataset(*v)
	case map[string]any:
		obj = v
	case json.RawMessage:
		obj = decodeObject(v)
	case []byte:
		obj = decodeObject(v)
	case string:
		obj = decodeObject([]byte(v))
	}

	ds := emptyDataset()
	for _, item := range asObjects(obj["attendance"]) {
		ds.Attendance = append(ds.Attendance, AttendanceRecord{
			EntityKey:  asString(item["entity_key"]),
			StudentKey: asString(item["student_key"]),
			Date:       asString(item["date"]),
			Status:     asString(item["status"]),
		})
	}
	for _, item := range asObjects(obj["marks"]) {
		ds.Marks = append(ds.Marks, MarkRecord{
			EntityKey:     asString(item["entity_key"]),
			StudentKey:    asString(item["student_key"]),
			AssessmentKey: asString(item["assessment_key"]),
			Earned:        asNumber(item["earned"]),
			Possible:      asNumber(item["possible"]),
		})
	}
	for _, item := range asObjects(obj["report_cards"]) {
		ds.ReportCards = append(ds.ReportCards, ReportCardRecord{
			EntityKey:  asString(item["entity_key"]),
			StudentKey: asString(item["student_key"]),
			Term:       asString(item["term"]),
			Percent:    asNumber(item["percent"]),
			Comment:    asString(item["comment"]),
		})
	}
	return ds
}

func emptyDataset() Dataset {
	return Dataset{
		Attendance:  []AttendanceRecord{},
		Marks:       []MarkRecord{},
		ReportCards: []ReportCardRecord{},
	}
}

func cloneDataset(d Dataset) Dataset {
	ds := emptyDataset()
	ds.Attendance = append(ds.Attendance, d.Attendance...)
	ds.Marks = append(ds.Marks, d.Marks...)
	ds.ReportCards = append(ds.ReportCards, d.ReportCards...)
	return ds
}

func decodeObject(data []byte) map[string]any {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil
	}
	return obj
}

func asObjects(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// asNumber accepts JSON numbers, Go numerics and numeric strings. Anything
// else is NaN so that validation rejects the record instead of silently
// treating it as zero.
func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
