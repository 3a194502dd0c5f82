package text

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type Field struct {
	Name  string
	Value any
}

// Row is one tabular record with its column order preserved.
type Row []Field

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String renders the row as "field: value, field: value".
func (r Row) String() string {
	parts := make([]string, len(r))
	for i, f := range r {
		parts[i] = f.Name + ": " + formatValue(f.Value)
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// ParseRows turns stored tabular content back into rows. Content is either a
// JSON array of objects (key order kept) or CSV text with a header line.
func ParseRows(content string) ([]Row, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return parseJSONRows(trimmed)
	}
	return parseCSVRows(trimmed)
}

func parseJSONRows(content string) ([]Row, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	var rows []Row
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		var row Row
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("read row key: %w", err)
			}
			key, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected row key %v", tok)
			}
			var value any
			if err := dec.Decode(&value); err != nil {
				return nil, fmt.Errorf("read value of %q: %w", key, err)
			}
			row = append(row, Field{Name: key, Value: value})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return rows, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse rows: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("parse rows: expected %q, got %v", want, tok)
	}
	return nil
}

func parseCSVRows(content string) ([]Row, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		row := make(Row, 0, len(record))
		for i, value := range record {
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && header[i] != "" {
				name = header[i]
			}
			row = append(row, Field{Name: name, Value: value})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ChunkCSVData groups rows into chunks while the JSON-estimated token count of
// the group stays within opts.ChunkSize. Only ChunkSize is consulted. Rows
// without any field text are skipped.
func ChunkCSVData(rows []Row, opts ChunkOptions) []Chunk {
	if len(rows) == 0 {
		return nil
	}
	opts = opts.normalize()

	var (
		chunks        []Chunk
		current       []string
		currentTokens int
	)

	flush := func() {
		content := strings.Join(current, "\n")
		chunks = append(chunks, Chunk{
			Content: content,
			Tokens:  EstimateTokens(content),
			Metadata: map[string]any{
				"rowCount": len(current),
				"type":     "csv",
			},
		})
	}

	for _, row := range rows {
		line := row.String()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rowTokens := estimateRowTokens(row)
		if len(current) > 0 && currentTokens+rowTokens > opts.ChunkSize {
			flush()
			current = nil
			currentTokens = 0
		}
		current = append(current, line)
		currentTokens += rowTokens
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}

func estimateRowTokens(row Row) int {
	b, err := json.Marshal(row)
	if err != nil {
		return EstimateTokens(row.String())
	}
	return EstimateTokens(string(b))
}
