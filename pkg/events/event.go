// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package events publishes dispatch-engine activity (job starts, skips,
// lifecycle hook results) to subscribed WebSocket clients, grounded on the
// teacher's polling-to-push WebSocket bridge but fed from the scheduler's
// own pass results instead of a REST poll loop.
package events

import (
	"time"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Type identifies the kind of scheduler activity an Event reports.
type Type string

const (
	// TypeJobStarted reports schedule() successfully dispatching a job.
	TypeJobStarted Type = "job_started"

	// TypeJobSkipped reports a queue entry schedule() passed over this
	// pass, with Reason set to its StateReason.
	TypeJobSkipped Type = "job_skipped"

	// TypePrologRun reports a prolog_slurmctld invocation completing.
	TypePrologRun Type = "prolog_run"

	// TypeEpilogRun reports an epilog_slurmctld invocation completing.
	TypeEpilogRun Type = "epilog_run"

	// TypePassComplete reports a dispatch pass finishing.
	TypePassComplete Type = "pass_complete"
)

// Event is a single dispatch-engine occurrence pushed to subscribers.
type Event struct {
	Type      Type
	JobID     int64
	Reason    string
	Partition string
	Timestamp time.Time
	Details   map[string]string
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (e Event) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	w.RawString(`"type":`)
	w.String(string(e.Type))

	w.RawString(`,"job_id":`)
	w.Int64(e.JobID)

	if e.Reason != "" {
		w.RawString(`,"reason":`)
		w.String(e.Reason)
	}
	if e.Partition != "" {
		w.RawString(`,"partition":`)
		w.String(e.Partition)
	}

	w.RawString(`,"timestamp":`)
	w.String(e.Timestamp.UTC().Format(time.RFC3339Nano))

	if len(e.Details) > 0 {
		w.RawString(`,"details":{`)
		first := true
		for k, v := range e.Details {
			if !first {
				w.RawByte(',')
			}
			first = false
			w.String(k)
			w.RawByte(':')
			w.String(v)
		}
		w.RawByte('}')
	}

	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (e *Event) UnmarshalEasyJSON(l *jlexer.Lexer) {
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		if l.IsNull() {
			l.Skip()
			l.WantComma()
			continue
		}
		switch key {
		case "type":
			e.Type = Type(l.String())
		case "job_id":
			e.JobID = l.Int64()
		case "reason":
			e.Reason = l.String()
		case "partition":
			e.Partition = l.String()
		case "timestamp":
			ts, err := time.Parse(time.RFC3339Nano, l.String())
			if err != nil {
				l.AddError(err)
			} else {
				e.Timestamp = ts
			}
		case "details":
			e.Details = make(map[string]string)
			l.Delim('{')
			for !l.IsDelim('}') {
				k := l.UnsafeFieldName(false)
				l.WantColon()
				e.Details[k] = l.String()
				l.WantComma()
			}
			l.Delim('}')
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}

// MarshalJSON implements json.Marshaler via MarshalEasyJSON.
func (e Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	e.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalJSON implements json.Unmarshaler via UnmarshalEasyJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	l := jlexer.Lexer{Data: data}
	e.UnmarshalEasyJSON(&l)
	return l.Error()
}
