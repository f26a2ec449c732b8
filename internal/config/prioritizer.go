package config

import (
	"github.com/behrlich/auoms-collector/internal/event"
)

// recordCategory maps a record type name to the coarse category used by
// event_priority_by_record_type_category, mirroring the grouping
// AuomsConfig.h's comments describe for the source's own prioritizer
// (process lifecycle vs. network vs. file-system activity).
var recordCategory = map[string]string{
	"SYSCALL":                 "process",
	"EXECVE":                  "process",
	"PROCTITLE":               "process",
	"PATH":                    "filesystem",
	"CWD":                     "filesystem",
	"SOCKADDR":                "network",
	"USER_LOGIN":              "auth",
	"USER_AUTH":               "auth",
	"USER_ACCT":               "auth",
	"CRED_ACQ":                "auth",
	"CRED_DISP":               "auth",
	"AUOMS_PROCESS_INVENTORY": "inventory",
}

// Prioritizer implements event.Prioritizer over a Config's three
// priority-lookup tables (SPEC_FULL.md §6): every syscall-name, record-type
// name and record-type category match counts, the lowest (most urgent)
// matching priority wins, and the flat default applies when nothing
// matches. It is the config-driven counterpart to
// event.DefaultPrioritizer's fixed-value implementation.
type Prioritizer struct {
	cfg *Config
}

// NewPrioritizer returns a Prioritizer reading cfg's lookup tables.
func NewPrioritizer(cfg *Config) *Prioritizer {
	return &Prioritizer{cfg: cfg}
}

// Prioritize inspects buf's records for the SYSCALL record's syscall name,
// and each record's type name and category, and returns the lowest
// priority among all configured matches, or cfg.DefaultEventPriority when
// none match.
func (p *Prioritizer) Prioritize(buf []byte) uint16 {
	v := event.Open(buf)
	n := v.NumRecords()

	best, found := 0, false
	match := func(pri int) {
		if !found || pri < best {
			best, found = pri, true
		}
	}

	for i := uint16(0); i < n; i++ {
		r := v.Record(i)
		if r.Name() != "SYSCALL" {
			continue
		}
		if f, ok := r.Find("syscall"); ok {
			name := f.Raw()
			if f.HasInterp() {
				name = f.Interp()
			}
			if pri, ok := p.cfg.EventPriorityBySyscall[name]; ok {
				match(pri)
			}
		}
	}

	for i := uint16(0); i < n; i++ {
		name := v.Record(i).Name()
		if pri, ok := p.cfg.EventPriorityByRecordType[name]; ok {
			match(pri)
		}
		if cat, ok := recordCategory[name]; ok {
			if pri, ok := p.cfg.EventPriorityByRecordTypeCategory[cat]; ok {
				match(pri)
			}
		}
	}

	if found {
		return uint16(best)
	}
	return uint16(p.cfg.DefaultEventPriority)
}
