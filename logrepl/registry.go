package logrepl

import (
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// ErrUnknownRelation is returned when a row message references a relation id
// that no RELATION message has announced. PostgreSQL always sends a RELATION
// message before the first row message of a session that touches the table,
// so hitting this mid-stream is a protocol violation.
var ErrUnknownRelation = errors.New("unknown relation id")

// Column describes one column of a replicated table.
type Column struct {
	Name    string
	TypeOID uint32
}

// RelationInfo is the registry's view of a replicated table.
type RelationInfo struct {
	Namespace string
	Relation  string
	Columns   []Column
}

// RelationRegistry maps relation ids to table metadata. It is rebuilt from
// the stream itself: the server re-emits RELATION messages for every table
// after a reconnect, so nothing here needs to be durable. Single writer, the
// source loop.
type RelationRegistry struct {
	relations map[uint32]*RelationInfo
}

func NewRelationRegistry() *RelationRegistry {
	return &RelationRegistry{relations: make(map[uint32]*RelationInfo)}
}

// Register copies the metadata out of a RELATION message. A message with an
// already-known id replaces the previous entry wholesale, so later row
// messages decode against the new column set.
func (r *RelationRegistry) Register(msg *pglogrepl.RelationMessage) {
	info := &RelationInfo{
		Namespace: msg.Namespace,
		Relation:  msg.RelationName,
		Columns:   make([]Column, len(msg.Columns)),
	}
	for i, col := range msg.Columns {
		info.Columns[i] = Column{Name: col.Name, TypeOID: col.DataType}
	}
	r.relations[msg.RelationID] = info
}

func (r *RelationRegistry) Get(id uint32) (*RelationInfo, error) {
	info, ok := r.relations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRelation, id)
	}
	return info, nil
}

func (r *RelationRegistry) Len() int {
	return len(r.relations)
}

// Clear drops all entries. Used when a source is rebuilt after reconnect,
// since relation ids from the previous session are stale.
func (r *RelationRegistry) Clear() {
	r.relations = make(map[uint32]*RelationInfo)
}
