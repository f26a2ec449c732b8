package accumulator

import "hash/fnv"

// knownRecordTypes maps the textual record names this accumulator's EXECVE
// assembly and passthrough path care about to their numeric Linux audit
// type codes. auparse's full name table is out of scope (SPEC_FULL.md
// §4.3), so anything not listed here falls back to a stable synthetic code
// derived from its name, kept well clear of both the real kernel range and
// this package's own 10000+ synthetic types.
var knownRecordTypes = map[string]uint32{
	"SYSCALL":    1300,
	"PATH":       1302,
	"IPC":        1303,
	"SOCKETCALL": 1306,
	"CWD":        1307,
	"EXECVE":     1309,
	"IPC_SET_PERM": 1311,
	"CONFIG_CHANGE": 1305,
	"EOE":        1320,
	"USER_LOGIN": 1112,
	"USER_START": 1105,
	"USER_END":   1106,
	"CRED_ACQ":   1101,
	"CRED_DISP":  1104,
	"LOGIN":      1006,
}

const fallbackRecordTypeBase = 30000
const fallbackRecordTypeRange = 10000

// recordTypeNumber resolves a textual audit record name to a numeric type,
// per knownRecordTypes above, falling back to a stable per-name hash.
func recordTypeNumber(name string) uint32 {
	if n, ok := knownRecordTypes[name]; ok {
		return n
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return fallbackRecordTypeBase + h.Sum32()%fallbackRecordTypeRange
}
