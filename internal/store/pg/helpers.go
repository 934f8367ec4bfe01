package pg

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// jsonb marshals v for a JSONB column; nil maps become SQL NULL.
func jsonb(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return nil
		}
	case []string:
		if t == nil {
			return []byte("[]")
		}
	case json.RawMessage:
		if len(t) == 0 {
			return nil
		}
		return []byte(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// jsonbObject marshals v for a NOT NULL JSONB object column; a nil map
// binds '{}' so the insert never writes an explicit NULL.
func jsonbObject(v interface{}) []byte {
	if data, ok := jsonb(v).([]byte); ok {
		return data
	}
	return []byte(`{}`)
}

// scanJSON unmarshals a nullable JSONB column into dst.
func scanJSON(raw []byte, dst interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

// vectorParam renders a []float32 as a pgvector literal ("[0.1,0.2,...]").
// Returns nil for an empty vector so the column stays NULL.
func vectorParam(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector parses a pgvector text literal back into a []float32.
func parseVector(raw []byte) []float32 {
	s := strings.Trim(string(raw), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

func itoa(n int) string { return strconv.Itoa(n) }

// nullStr maps "" to SQL NULL.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil *time.Time to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func strPtr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
