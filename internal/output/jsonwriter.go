package output

import (
	"encoding/json"
	"io"

	"github.com/behrlich/auoms-collector/internal/event"
)

// JSONEventWriter renders an event buffer as one newline-delimited JSON
// object, exercising the EventWriter contract with a second concrete
// implementation beside RawEventWriter (SPEC_FULL.md §4.6 Non-goals: we do
// not chase every downstream format, just prove the interface with two).
// It carries no ack support: there is no wire ack format to define for a
// human-readable sink.
type JSONEventWriter struct{}

func (JSONEventWriter) SupportsAckMode() bool { return false }

type jsonField struct {
	Name   string `json:"name"`
	Raw    string `json:"raw"`
	Interp string `json:"interp,omitempty"`
}

type jsonRecord struct {
	Type   uint32      `json:"type"`
	Name   string      `json:"name"`
	Fields []jsonField `json:"fields"`
}

type jsonEvent struct {
	Sec      uint64       `json:"sec"`
	Msec     uint32       `json:"msec"`
	Serial   uint64       `json:"serial"`
	Priority uint16       `json:"priority"`
	Pid      int32        `json:"pid"`
	Records  []jsonRecord `json:"records"`
}

func (JSONEventWriter) WriteEvent(data []byte, w io.Writer) (int, error) {
	v := event.Open(data)
	sec, msec, serial := v.ID()
	je := jsonEvent{
		Sec:      sec,
		Msec:     msec,
		Serial:   serial,
		Priority: v.Priority(),
		Pid:      v.Pid(),
		Records:  make([]jsonRecord, v.NumRecords()),
	}
	for i := uint16(0); i < v.NumRecords(); i++ {
		r := v.Record(i)
		fields := r.Fields()
		jr := jsonRecord{Type: r.Type(), Name: r.Name(), Fields: make([]jsonField, len(fields))}
		for j, f := range fields {
			jr.Fields[j] = jsonField{Name: f.Name(), Raw: f.Raw()}
			if f.HasInterp() {
				jr.Fields[j].Interp = f.Interp()
			}
		}
		je.Records[i] = jr
	}

	buf, err := json.Marshal(je)
	if err != nil {
		return 0, err
	}
	buf = append(buf, '\n')
	return writeAll(w, buf)
}

func (JSONEventWriter) ReadAck(io.Reader) (EventID, error) {
	return EventID{}, errNoAckSupport
}

var errNoAckSupport = jsonAckError{}

type jsonAckError struct{}

func (jsonAckError) Error() string { return "output: JSONEventWriter does not support ack mode" }
