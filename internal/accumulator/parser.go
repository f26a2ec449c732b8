package accumulator

import (
	"strconv"
	"strings"
)

// rawField is one key=val pair from a raw audit line, in file order.
type rawField struct {
	Name string
	Raw  string
}

// rawRecord is one parsed audit line: `type=<NAME> msg=audit(sec.msec:serial): k=v ...`.
type rawRecord struct {
	Type    string
	Sec     uint64
	Msec    uint32
	Serial  uint64
	Fields  []rawField
	RawLine string
}

// parseLine parses one raw audit record line per SPEC_FULL.md §4.3. auparse
// is out of scope, so this is the line format the accumulator is built on:
// a bare token, a double-quoted string (no inner-quote escaping), or an
// even-length hex run are the three possible value shapes.
func parseLine(line string) (rawRecord, bool) {
	line = strings.TrimRight(line, "\r\n")
	original := line

	const typePrefix = "type="
	if !strings.HasPrefix(line, typePrefix) {
		return rawRecord{}, false
	}
	rest := line[len(typePrefix):]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return rawRecord{}, false
	}
	recType := rest[:sp]
	rest = rest[sp+1:]

	const msgPrefix = "msg=audit("
	if !strings.HasPrefix(rest, msgPrefix) {
		return rawRecord{}, false
	}
	rest = rest[len(msgPrefix):]
	closeParen := strings.IndexByte(rest, ')')
	if closeParen < 0 {
		return rawRecord{}, false
	}
	header := rest[:closeParen]
	dot := strings.IndexByte(header, '.')
	colon := strings.IndexByte(header, ':')
	if dot < 0 || colon < 0 || colon < dot {
		return rawRecord{}, false
	}
	sec, err := strconv.ParseUint(header[:dot], 10, 64)
	if err != nil {
		return rawRecord{}, false
	}
	msec, err := strconv.ParseUint(header[dot+1:colon], 10, 32)
	if err != nil {
		return rawRecord{}, false
	}
	serial, err := strconv.ParseUint(header[colon+1:], 10, 64)
	if err != nil {
		return rawRecord{}, false
	}

	rest = rest[closeParen+1:]
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)

	return rawRecord{
		Type:    recType,
		Sec:     sec,
		Msec:    uint32(msec),
		Serial:  serial,
		Fields:  parseFields(rest),
		RawLine: original,
	}, true
}

// parseFields tokenizes the k=v sequence, honoring double-quoted values that
// may themselves contain spaces.
func parseFields(s string) []rawField {
	var fields []rawField
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		name := s[:eq]
		rest := s[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:end+2]
				rest = rest[end+2:]
			}
		} else {
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:sp]
				rest = rest[sp:]
			}
		}

		fields = append(fields, rawField{Name: name, Raw: value})
		s = rest
	}
	return fields
}

func findField(fields []rawField, name string) (rawField, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return rawField{}, false
}
