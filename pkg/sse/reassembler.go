// Package sse reassembles server-sent event records from arbitrarily
// chunked text into content fragments.
package sse

import (
	"encoding/json"
	"strings"

	"github.com/rubberduck/rubberduck/pkg/models"
)

// DoneMarker is the payload of the terminal record.
const DoneMarker = "[DONE]"

const (
	dataField       = "data:"
	recordSeparator = "\n\n"
	maxPending      = 1 << 20
)

// RemoteError is reported when the server sends an `event: error` record.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "stream error"
	}
	return "stream error: " + e.Message
}

// Reassembler turns raw stream text into fragments. It is not safe for
// concurrent use; one reassembler belongs to one stream.
type Reassembler struct {
	buf      string
	pending  string
	finished bool
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Finished reports whether the end marker or an error record was seen.
func (r *Reassembler) Finished() bool {
	return r.finished
}

// Feed consumes one raw chunk. It returns the fragments completed by the
// chunk, done=true the one time the end marker is seen, and a *RemoteError
// for an error record. After done or an error, Feed returns nothing.
func (r *Reassembler) Feed(chunk string) ([]models.Fragment, bool, error) {
	if r.finished {
		return nil, false, nil
	}
	r.buf = strings.ReplaceAll(r.buf+chunk, "\r\n", "\n")

	var frags []models.Fragment
	for {
		idx := strings.Index(r.buf, recordSeparator)
		if idx < 0 {
			break
		}
		raw := r.buf[:idx]
		r.buf = r.buf[idx+len(recordSeparator):]

		more, done, err := r.record(raw)
		frags = append(frags, more...)
		if done || err != nil {
			return frags, done, err
		}
	}

	// An end marker does not wait for its separator.
	if tail := strings.TrimRight(r.buf, "\n"); hasDoneMarker(parseRecord(tail)) {
		more, done, err := r.record(tail)
		return append(frags, more...), done, err
	}
	return frags, false, nil
}

// Flush treats any held tail as a final record. Call it once the transport
// reports end of input.
func (r *Reassembler) Flush() ([]models.Fragment, bool, error) {
	if r.finished {
		return nil, false, nil
	}
	tail := strings.TrimRight(r.buf, "\n")
	r.buf = ""
	if strings.TrimSpace(tail) == "" {
		return nil, false, nil
	}
	return r.record(tail)
}

// record interprets one complete record. A data value equal to the end
// marker finishes the stream; payloads before it in the record are kept.
func (r *Reassembler) record(raw string) ([]models.Fragment, bool, error) {
	rec := parseRecord(raw)
	if rec.event == "error" {
		r.finish()
		return nil, false, &RemoteError{Message: errorMessage(rec.data)}
	}

	pieces := splitPayloads(rec.lines)
	for i, p := range pieces {
		if strings.TrimSpace(p) == DoneMarker {
			frags := r.payloads(raw, pieces[:i])
			r.finish()
			return frags, true, nil
		}
	}
	return r.payloads(raw, pieces), false, nil
}

// payloads decodes the data of one record. Lines are joined with newlines
// first; payloads that only parse one by one were concatenated by the
// sender and are emitted in order.
func (r *Reassembler) payloads(raw string, pieces []string) []models.Fragment {
	if len(pieces) == 0 {
		if f, ok := r.payload("", false, raw); ok {
			return []models.Fragment{f}
		}
		return nil
	}
	joined := strings.Join(pieces, "\n")
	if len(pieces) > 1 && r.pending == "" {
		if _, err := decode(joined); err != nil {
			if frags, ok := decodeEach(pieces); ok {
				return frags
			}
		}
	}
	if f, ok := r.payload(joined, true, raw); ok {
		return []models.Fragment{f}
	}
	return nil
}

// payload decodes one payload, merging it onto held text when a previous
// payload did not parse.
func (r *Reassembler) payload(data string, hasData bool, raw string) (models.Fragment, bool) {
	if r.pending != "" {
		cont := data
		if !hasData {
			// A payload broken by a blank line continues without a field name.
			cont = raw
		}
		merged := r.pending + recordSeparator + cont
		if f, perr := decodeJoined(r.pending, cont); perr == nil {
			r.pending = ""
			return f, true
		}
		if hasData {
			if f, perr := decode(data); perr == nil {
				r.pending = ""
				return f, true
			}
		}
		r.pending = merged
		if len(r.pending) > maxPending {
			r.pending = ""
		}
		return models.Fragment{}, false
	}

	if !hasData {
		return models.Fragment{}, false
	}
	f, perr := decode(data)
	if perr != nil {
		r.pending = data
		return models.Fragment{}, false
	}
	return f, true
}

func (r *Reassembler) finish() {
	r.finished = true
	r.buf = ""
	r.pending = ""
}

type record struct {
	event   string
	data    string
	lines   []string
	hasData bool
}

// parseRecord reads the field lines of one record. Comment lines start
// with a colon; multiple data lines are joined with newlines.
func parseRecord(raw string) record {
	var rec record
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			rec.event = strings.TrimSpace(value)
		}
	}
	if len(data) > 0 {
		rec.hasData = true
		rec.lines = data
		rec.data = strings.Join(data, "\n")
	}
	return rec
}

func hasDoneMarker(rec record) bool {
	for _, p := range splitPayloads(rec.lines) {
		if strings.TrimSpace(p) == DoneMarker {
			return true
		}
	}
	return false
}

// splitPayloads separates payloads that arrived on one data line with no
// separator, as in `{"content":"a"}data: [DONE]`. A line is only cut where
// the text before the field name is complete JSON, so a field name inside
// a JSON string stays put.
func splitPayloads(lines []string) []string {
	var out []string
	for _, line := range lines {
		for {
			cut := nextPayloadCut(line)
			if cut < 0 {
				out = append(out, line)
				break
			}
			out = append(out, strings.TrimSpace(line[:cut]))
			line = strings.TrimPrefix(line[cut+len(dataField):], " ")
		}
	}
	return out
}

func nextPayloadCut(line string) int {
	for from := 0; from < len(line); {
		i := strings.Index(line[from:], dataField)
		if i < 0 {
			return -1
		}
		i += from
		if head := strings.TrimSpace(line[:i]); head != "" && json.Valid([]byte(head)) {
			return i
		}
		from = i + len(dataField)
	}
	return -1
}

func decodeEach(pieces []string) ([]models.Fragment, bool) {
	frags := make([]models.Fragment, 0, len(pieces))
	for _, p := range pieces {
		f, err := decode(p)
		if err != nil {
			return nil, false
		}
		frags = append(frags, f)
	}
	return frags, true
}

func decode(payload string) (models.Fragment, error) {
	var f models.Fragment
	err := json.Unmarshal([]byte(payload), &f)
	return f, err
}

// decodeJoined parses a payload that a blank line split in two. The blank
// line is either whitespace between tokens or an unescaped break inside a
// string, so both readings are tried.
func decodeJoined(head, tail string) (models.Fragment, error) {
	f, err := decode(head + recordSeparator + tail)
	if err == nil {
		return f, nil
	}
	return decode(head + `\n\n` + tail)
}

func errorMessage(payload string) string {
	var se models.StreamError
	if err := json.Unmarshal([]byte(payload), &se); err == nil && se.Error != "" {
		return se.Error
	}
	return strings.TrimSpace(payload)
}
