package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// maxLineBytes bounds a single line in line-oriented formats.
const maxLineBytes = 16 * 1024 * 1024

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return scanner
}

// ─── Delimited ──────────────────────────────────────────────────────────────

// readDelimited parses a CSV/TSV file with a header row. The sample text is
// the "text" column when present, otherwise every column joined by a space.
func readDelimited(path string, comma rune) (parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsed{}, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return parsed{}, nil
	}
	if err != nil {
		return parsed{}, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	textCol := -1
	for i, h := range header {
		if strings.EqualFold(h, "text") {
			textCol = i
			break
		}
	}
	if textCol < 0 && len(header) == 1 {
		textCol = 0
	}

	out := parsed{columns: header}
	short := 0
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parsed{}, fmt.Errorf("line %d: %w", line, err)
		}
		if isBlankRow(row) {
			continue
		}
		if len(row) < len(header) {
			short++
		}
		var text string
		if textCol >= 0 {
			if textCol < len(row) {
				text = row[textCol]
			}
		} else {
			text = strings.Join(row, " ")
		}
		out.records = append(out.records, record{
			text: text,
			key:  strings.Join(row, "\x1f"),
		})
	}
	if short > 0 {
		out.warnings = append(out.warnings, [2]string{
			fmt.Sprintf("Found %d rows with missing columns", short),
			"Check the file for truncated rows or unescaped delimiters",
		})
	}
	return out, nil
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ─── Line-Oriented ──────────────────────────────────────────────────────────

// readLines treats every non-blank line as one sample. "question|answer"
// lines are kept whole.
func readLines(path string) (parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsed{}, err
	}
	defer f.Close()

	var out parsed
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out.records = append(out.records, record{text: line, key: line})
	}
	if err := scanner.Err(); err != nil {
		return parsed{}, err
	}
	return out, nil
}

// ─── Structured Records ─────────────────────────────────────────────────────

// readJSON parses a top-level array of records or strings.
func readJSON(path string) (parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return parsed{}, err
	}

	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		// A single object holding the records under "data" is common too.
		var wrapper struct {
			Data []any `json:"data"`
		}
		if werr := json.Unmarshal(data, &wrapper); werr != nil || wrapper.Data == nil {
			return parsed{}, fmt.Errorf("invalid JSON: %w", err)
		}
		items = wrapper.Data
	}

	cols := make(map[string]struct{})
	out := parsed{records: make([]record, 0, len(items))}
	for _, item := range items {
		rec, err := toRecord(item, cols)
		if err != nil {
			return parsed{}, err
		}
		out.records = append(out.records, rec)
	}
	out.columns = sortedKeys(cols)
	return out, nil
}

// readJSONL parses one JSON value per line. A malformed line fails the file.
func readJSONL(path string) (parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsed{}, err
	}
	defer f.Close()

	cols := make(map[string]struct{})
	var out parsed
	scanner := newLineScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var item any
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return parsed{}, fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}
		rec, err := toRecord(item, cols)
		if err != nil {
			return parsed{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out.records = append(out.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return parsed{}, err
	}
	out.columns = sortedKeys(cols)
	return out, nil
}

// toRecord extracts training text from a decoded JSON value.
func toRecord(item any, cols map[string]struct{}) (record, error) {
	key, err := json.Marshal(item) // map keys marshal sorted
	if err != nil {
		return record{}, err
	}

	switch v := item.(type) {
	case string:
		return record{text: v, key: string(key)}, nil
	case map[string]any:
		for k := range v {
			cols[k] = struct{}{}
		}
		return record{text: recordText(v, string(key)), key: string(key)}, nil
	case nil:
		return record{}, errors.New("null record")
	default:
		return record{text: fmt.Sprint(v), key: string(key)}, nil
	}
}

// recordText picks the training text out of a record, trying the common
// dataset layouts in order.
func recordText(m map[string]any, fallback string) string {
	if s, ok := m["text"].(string); ok {
		return s
	}
	for _, pair := range [][2]string{
		{"input", "output"},
		{"question", "answer"},
		{"prompt", "completion"},
		{"instruction", "response"},
	} {
		a, aok := m[pair[0]].(string)
		b, bok := m[pair[1]].(string)
		if aok || bok {
			return strings.TrimSpace(a + " " + b)
		}
	}
	if msgs, ok := m["messages"].([]any); ok {
		parts := make([]string, 0, len(msgs))
		for _, raw := range msgs {
			if msg, ok := raw.(map[string]any); ok {
				if c, ok := msg["content"].(string); ok {
					parts = append(parts, c)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return fallback
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
