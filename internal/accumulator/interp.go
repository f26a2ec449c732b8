package accumulator

import (
	"fmt"
	"strconv"

	"github.com/behrlich/auoms-collector/internal/event"
)

// UserResolver looks up the display name for a uid, as the default
// implementation does over /etc/passwd (or nss) and a caching wrapper would
// over getpwuid.
type UserResolver interface {
	ResolveUser(uid int64) (string, bool)
}

// GroupResolver is UserResolver's gid counterpart.
type GroupResolver interface {
	ResolveGroup(gid int64) (string, bool)
}

var uidFields = map[string]bool{
	"uid": true, "auid": true, "euid": true, "suid": true, "fsuid": true, "ouid": true,
}

var gidFields = map[string]bool{
	"gid": true, "egid": true, "sgid": true, "fsgid": true, "ogid": true,
}

// escapedFields lists the field names the reference parser's auparse field
// table classifies as ESCAPED (hex- or quote-encodable free text), since
// auparse itself is out of scope here (SPEC_FULL.md §4.3).
var escapedFields = map[string]bool{
	"exe": true, "comm": true, "cwd": true, "path": true, "name": true, "cmd": true,
}

// classify returns the FieldType a raw field name maps to, used to decide
// which interpretation rule below applies.
func classify(name string) event.FieldType {
	switch {
	case uidFields[name]:
		return event.FieldUID
	case gidFields[name]:
		return event.FieldGID
	case name == "ses":
		return event.FieldSession
	case name == "proctitle":
		return event.FieldProctitle
	case escapedFields[name]:
		return event.FieldEscaped
	default:
		return event.FieldUnclassified
	}
}

// interpret computes the interp string for a field given its classification,
// per SPEC_FULL.md §4.3. An empty return means no interp value.
func interpret(ft event.FieldType, raw string, users UserResolver, groups GroupResolver) string {
	switch ft {
	case event.FieldUID:
		return interpID(raw, func(id int64) (string, bool) {
			if users == nil {
				return "", false
			}
			return users.ResolveUser(id)
		})
	case event.FieldGID:
		return interpID(raw, func(id int64) (string, bool) {
			if groups == nil {
				return "", false
			}
			return groups.ResolveGroup(id)
		})
	case event.FieldSession:
		if raw == "unset" || raw == "4294967295" {
			return "-1"
		}
		return ""
	case event.FieldEscaped, event.FieldProctitle:
		kind, value := unescapeRawField(raw)
		switch kind {
		case unescapeQuoted, unescapeHex, unescapeHexNeedsEscape:
			return value
		default:
			return ""
		}
	default:
		return ""
	}
}

func interpID(raw string, resolve func(int64) (string, bool)) string {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ""
	}
	if id < 0 {
		return "unset"
	}
	if name, ok := resolve(id); ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", id)
}
