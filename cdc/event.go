package cdc

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Op identifies the kind of row-level change carried by an event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Lower returns the lowercase form used in stream configuration.
func (o Op) Lower() string {
	return strings.ToLower(string(o))
}

// Field is a single named column value.
type Field struct {
	Name  string
	Value any
}

// RowData is an ordered set of column values for one row. The order follows
// the RELATION message column order, which keeps JSON output stable.
type RowData []Field

// Get returns the value of the named column and whether it is present.
func (r RowData) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON emits the row as a JSON object with fields in row order.
func (r RowData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Metadata describes where and when a change originated.
type Metadata struct {
	Source    string `json:"source"`
	Resource  string `json:"resource"`
	Schema    string `json:"schema"`
	Timestamp int64  `json:"timestamp"`
	LSN       string `json:"lsn,omitempty"`
}

// UpdateImage is the data section of an UPDATE event.
type UpdateImage struct {
	New RowData `json:"new"`
	Old RowData `json:"old"`
}

// Event is one row-level change in the neutral domain model. New holds the
// row image for INSERT and UPDATE; Old holds the key or full previous image
// for UPDATE and DELETE, depending on the table's replica identity.
type Event struct {
	Op   Op
	Meta Metadata
	New  RowData
	Old  RowData
}

// PrimaryRow returns the image a routing key is taken from: the new row for
// INSERT and UPDATE, the key/old row for DELETE.
func (e *Event) PrimaryRow() RowData {
	if e.Op == OpDelete {
		return e.Old
	}
	return e.New
}

// MarshalJSON emits the sink wire format: op, then data, then meta. UPDATE
// events carry both images under data; INSERT and DELETE carry a single row.
func (e *Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Op {
	case OpUpdate:
		data = UpdateImage{New: e.New, Old: e.Old}
	case OpDelete:
		data = e.Old
	default:
		data = e.New
	}
	return json.Marshal(struct {
		Op   Op       `json:"op"`
		Data any      `json:"data"`
		Meta Metadata `json:"meta"`
	}{e.Op, data, e.Meta})
}

// Batch is the unit handed from the streaming source to the processor. It
// contains only whole transactions; LastLSN is the end LSN of the last
// commit in the batch, or zero when no commit was received. A commit with no
// row events still sets LastLSN, so a batch without events may carry one.
type Batch struct {
	Events  []*Event
	LastLSN pglogrepl.LSN
	Reason  FlushReason
}
