// -----------------------------------------------------------------------
// TOON Codec - Tab-delimited tabular wire format for extraction output
// -----------------------------------------------------------------------

package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/tabula/internal/models"
)

// toonHeaderPattern matches the header line: extractions[N]{f1,f2,...}:
var toonHeaderPattern = regexp.MustCompile(`^extractions\[(\d+)\]\{([^}]*)\}:\s*$`)

// decodeToon parses the TOON wire format: a header declaring the
// extraction count and field order, then one body line per extraction,
// indented two spaces, values TAB-separated. Lines before the header
// and blank lines are skipped; lines past the declared count are
// ignored.
func decodeToon(body string) ([]rawExtraction, error) {
	lines := strings.Split(body, "\n")

	headerIdx := -1
	var count int
	var fields []string
	for i, line := range lines {
		m := toonHeaderPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad TOON extraction count %q", models.ErrParse, m[1])
		}
		count = n
		fields = splitHeaderFields(m[2])
		headerIdx = i
		break
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("%w: no TOON header found", models.ErrParse)
	}
	if len(fields) == 0 && count > 0 {
		return nil, fmt.Errorf("%w: TOON header declares no fields", models.ErrParse)
	}

	records := make([]rawExtraction, 0, count)
	for _, line := range lines[headerIdx+1:] {
		if len(records) == count {
			break
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "  ") {
			return nil, fmt.Errorf("%w: TOON line %d is not indented two spaces", models.ErrParse, len(records)+1)
		}
		values, err := splitToonLine(line[2:])
		if err != nil {
			return nil, err
		}
		if len(values) != len(fields) {
			return nil, fmt.Errorf("%w: TOON line %d has %d values, header declares %d fields",
				models.ErrParse, len(records)+1, len(values), len(fields))
		}
		record, err := toonRecord(fields, values)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(records) != count {
		return nil, fmt.Errorf("%w: TOON header declares %d extractions, found %d", models.ErrParse, count, len(records))
	}
	return records, nil
}

func splitHeaderFields(spec string) []string {
	parts := strings.Split(spec, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		field := strings.TrimSpace(part)
		if field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// splitToonLine splits one body line into its TAB-separated values,
// honoring double-quoted values with backslash escapes.
func splitToonLine(line string) ([]string, error) {
	var values []string
	i := 0
	for {
		if i < len(line) && line[i] == '"' {
			value, next, err := scanQuoted(line, i)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
			if next >= len(line) {
				return values, nil
			}
			if line[next] != '\t' {
				return nil, fmt.Errorf("%w: expected tab after quoted TOON value", models.ErrParse)
			}
			i = next + 1
		} else {
			tab := strings.IndexByte(line[i:], '\t')
			if tab < 0 {
				values = append(values, line[i:])
				return values, nil
			}
			values = append(values, line[i:i+tab])
			i += tab + 1
		}
		if i >= len(line) {
			// Trailing tab: the final value is empty.
			values = append(values, "")
			return values, nil
		}
	}
}

// scanQuoted reads a double-quoted value starting at line[start] and
// returns the unescaped value plus the index just past the closing
// quote.
func scanQuoted(line string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(line) {
		c := line[i]
		if c == '\\' && i+1 < len(line) {
			switch line[i+1] {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(c)
				b.WriteByte(line[i+1])
			}
			i += 2
			continue
		}
		if c == '"' {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("%w: unterminated quoted TOON value", models.ErrParse)
}

// toonRecord converts one line's values into a raw record using the
// header's field order. Unknown fields are ignored; the literal null
// means absent.
func toonRecord(fields, values []string) (rawExtraction, error) {
	var rec rawExtraction
	for i, field := range fields {
		raw := values[i]
		isNull := raw == "null"
		switch field {
		case "column_id":
			if !isNull {
				rec.columnID = raw
			}
		case "column_name":
			if !isNull {
				rec.columnName = raw
			}
		case "value":
			if !isNull {
				v := raw
				rec.value = &v
			}
		case "image_index":
			if !isNull {
				n, err := toonInt(raw)
				if err != nil {
					return rec, fmt.Errorf("%w: bad image_index %q", models.ErrParse, raw)
				}
				rec.imageIndex = n
			}
		case "row_index":
			if !isNull {
				n, err := toonInt(raw)
				if err != nil {
					return rec, fmt.Errorf("%w: bad row_index %q", models.ErrParse, raw)
				}
				rec.rowIndex = &n
			}
		case "bbox_2d":
			if !isNull {
				coords, err := parseBBoxLiteral(raw)
				if err != nil {
					return rec, err
				}
				rec.bbox = coords
			}
		case "confidence":
			if !isNull {
				f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
				if err != nil {
					return rec, fmt.Errorf("%w: bad confidence %q", models.ErrParse, raw)
				}
				rec.confidence = &f
			}
		}
	}
	return rec, nil
}

// toonInt parses an index value, tolerating the float renderings some
// models emit.
func toonInt(raw string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// parseBBoxLiteral reads a bracketed coordinate tuple like
// [120,80,260,108].
func parseBBoxLiteral(raw string) ([]float64, error) {
	inner := strings.TrimSpace(raw)
	inner = strings.TrimPrefix(inner, "[")
	inner = strings.TrimSuffix(inner, "]")
	parts := strings.Split(inner, ",")
	coords := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad bbox_2d %q", models.ErrParse, raw)
		}
		coords = append(coords, f)
	}
	return coords, nil
}

// encodeToon renders rows in the TOON wire format, the exact shape
// decodeToon reverses. Used for prompt examples.
func encodeToon(fields []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "extractions[%d]{%s}:", len(rows), strings.Join(fields, ","))
	for _, row := range rows {
		b.WriteString("\n  ")
		for i, value := range row {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(encodeToonValue(value))
		}
	}
	return b.String()
}

// encodeToonValue quotes a value when the format requires it: embedded
// tab or newline, or a leading double quote.
func encodeToonValue(value string) string {
	if !strings.ContainsAny(value, "\t\n") && !strings.HasPrefix(value, `"`) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`).Replace(value)
	return `"` + escaped + `"`
}
