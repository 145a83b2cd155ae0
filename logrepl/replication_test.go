package logrepl

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/lukashes/outboxx/cdc"
)

// pgoutput binary fixtures. Layouts follow the logical replication message
// formats: big-endian integers, NUL-terminated strings.

var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func writeTimestamp(buf *bytes.Buffer, t time.Time) {
	_ = binary.Write(buf, binary.BigEndian, t.Sub(pgEpoch).Microseconds())
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func beginPayload(finalLSN uint64, commitTime time.Time, xid uint32) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('B')
	_ = binary.Write(buf, binary.BigEndian, finalLSN)
	writeTimestamp(buf, commitTime)
	_ = binary.Write(buf, binary.BigEndian, xid)
	return buf.Bytes()
}

func commitPayload(commitLSN, endLSN uint64, commitTime time.Time) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('C')
	buf.WriteByte(0) // flags
	_ = binary.Write(buf, binary.BigEndian, commitLSN)
	_ = binary.Write(buf, binary.BigEndian, endLSN)
	writeTimestamp(buf, commitTime)
	return buf.Bytes()
}

type fixtureColumn struct {
	name string
	oid  uint32
}

func relationPayload(id uint32, namespace, name string, columns ...fixtureColumn) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('R')
	_ = binary.Write(buf, binary.BigEndian, id)
	writeCString(buf, namespace)
	writeCString(buf, name)
	buf.WriteByte('d') // replica identity
	_ = binary.Write(buf, binary.BigEndian, uint16(len(columns)))
	for _, col := range columns {
		buf.WriteByte(0) // flags
		writeCString(buf, col.name)
		_ = binary.Write(buf, binary.BigEndian, col.oid)
		_ = binary.Write(buf, binary.BigEndian, int32(-1))
	}
	return buf.Bytes()
}

// writeTuple writes tuple data; a nil value encodes a null column.
func writeTuple(buf *bytes.Buffer, values []any) {
	_ = binary.Write(buf, binary.BigEndian, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			buf.WriteByte('n')
			continue
		}
		s := v.(string)
		buf.WriteByte('t')
		_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
		buf.WriteString(s)
	}
}

func insertPayload(relationID uint32, values ...any) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('I')
	_ = binary.Write(buf, binary.BigEndian, relationID)
	buf.WriteByte('N')
	writeTuple(buf, values)
	return buf.Bytes()
}

func updatePayload(relationID uint32, oldKind byte, oldValues, newValues []any) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('U')
	_ = binary.Write(buf, binary.BigEndian, relationID)
	if oldKind != 0 {
		buf.WriteByte(oldKind)
		writeTuple(buf, oldValues)
	}
	buf.WriteByte('N')
	writeTuple(buf, newValues)
	return buf.Bytes()
}

func deletePayload(relationID uint32, kind byte, values ...any) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('D')
	_ = binary.Write(buf, binary.BigEndian, relationID)
	buf.WriteByte(kind)
	writeTuple(buf, values)
	return buf.Bytes()
}

func testSource(t *testing.T) *Source {
	t.Helper()
	return NewSource(Config{Slot: "outboxx", Publication: "outboxx"})
}

func feed(t *testing.T, s *Source, batch *cdc.Batch, payloads ...[]byte) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, s.handleWALData(p, batch))
	}
}

const usersRelation = uint32(16384)

func usersRelationPayload() []byte {
	return relationPayload(usersRelation, "public", "users",
		fixtureColumn{"id", pgtype.Int4OID},
		fixtureColumn{"name", pgtype.TextOID},
	)
}

func TestTransactionAssembly(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	commitTime := time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(0x16_B374D848, commitTime, 731),
		insertPayload(usersRelation, "1", "Alice"),
		insertPayload(usersRelation, "2", "Bob"),
	)
	// Events stay staged until the commit arrives.
	require.Empty(t, batch.Events)

	feed(t, s, batch, commitPayload(0x16_B374D848, 0x16_B374D900, commitTime))

	require.Len(t, batch.Events, 2)
	require.Equal(t, pglogrepl.LSN(0x16_B374D900), batch.LastLSN)

	first := batch.Events[0]
	require.Equal(t, cdc.OpInsert, first.Op)
	require.Equal(t, "postgres", first.Meta.Source)
	require.Equal(t, "public", first.Meta.Schema)
	require.Equal(t, "users", first.Meta.Resource)
	require.Equal(t, commitTime.Unix(), first.Meta.Timestamp)
	require.Equal(t, "16/B374D848", first.Meta.LSN)
	require.Equal(t, cdc.RowData{
		{Name: "id", Value: int64(1)},
		{Name: "name", Value: "Alice"},
	}, first.New)

	require.Equal(t, cdc.RowData{
		{Name: "id", Value: int64(2)},
		{Name: "name", Value: "Bob"},
	}, batch.Events[1].New)
}

func TestUpdateWithFullOldImage(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(100, now, 1),
		updatePayload(usersRelation, 'O', []any{"1", "Alice"}, []any{"1", "Bob"}),
		commitPayload(100, 110, now),
	)

	require.Len(t, batch.Events, 1)
	ev := batch.Events[0]
	require.Equal(t, cdc.OpUpdate, ev.Op)
	name, _ := ev.New.Get("name")
	require.Equal(t, "Bob", name)
	oldName, _ := ev.Old.Get("name")
	require.Equal(t, "Alice", oldName)
}

func TestDeleteWithKeyImage(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(100, now, 1),
		deletePayload(usersRelation, 'K', "1", nil),
		commitPayload(100, 110, now),
	)

	require.Len(t, batch.Events, 1)
	ev := batch.Events[0]
	require.Equal(t, cdc.OpDelete, ev.Op)
	require.Nil(t, ev.New)
	id, ok := ev.Old.Get("id")
	require.True(t, ok)
	require.Equal(t, int64(1), id)
}

func TestRowMessageForUnknownRelationIsFatal(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	now := time.Now()

	require.NoError(t, s.handleWALData(beginPayload(100, now, 1), batch))
	err := s.handleWALData(insertPayload(4242, "1", "x"), batch)
	require.ErrorIs(t, err, ErrUnknownRelation)
}

func TestUnknownMessageTypeIsSkipped(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(100, now, 1),
		insertPayload(usersRelation, "1", "Alice"),
		[]byte{'X', 0xde, 0xad},
		commitPayload(100, 110, now),
	)

	// The stray message is dropped; the commit still lands.
	require.Len(t, batch.Events, 1)
	require.Equal(t, pglogrepl.LSN(110), batch.LastLSN)
}

func TestStaleTransactionIsSkipped(t *testing.T) {
	s := testSource(t)
	s.lastAckedLSN = 200
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(150, now, 1),
		insertPayload(usersRelation, "1", "Alice"),
		commitPayload(150, 160, now),
	)
	require.Empty(t, batch.Events)
	require.Equal(t, pglogrepl.LSN(0), batch.LastLSN)

	// A later transaction goes through.
	feed(t, s, batch,
		beginPayload(300, now, 2),
		insertPayload(usersRelation, "2", "Bob"),
		commitPayload(300, 310, now),
	)
	require.Len(t, batch.Events, 1)
	require.Equal(t, pglogrepl.LSN(310), batch.LastLSN)
}

func TestRelationReplacementAffectsLaterEvents(t *testing.T) {
	s := testSource(t)
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(100, now, 1),
		insertPayload(usersRelation, "1", "Alice"),
		commitPayload(100, 110, now),
		// The table was altered; the server re-announces it.
		relationPayload(usersRelation, "public", "users",
			fixtureColumn{"id", pgtype.Int4OID},
			fixtureColumn{"full_name", pgtype.TextOID},
		),
		beginPayload(200, now, 2),
		insertPayload(usersRelation, "2", "Bob"),
		commitPayload(200, 210, now),
	)

	require.Len(t, batch.Events, 2)
	require.Equal(t, "name", batch.Events[0].New[1].Name)
	require.Equal(t, "full_name", batch.Events[1].New[1].Name)
}

func TestKeepaliveNeverAdvancesFlushPosition(t *testing.T) {
	s := testSource(t)
	s.lastAckedLSN = 100
	s.lastReceivedLSN = 100

	reply := s.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{
		ServerWALEnd:   250,
		ReplyRequested: true,
	})
	require.True(t, reply)
	require.Equal(t, pglogrepl.LSN(250), s.lastReceivedLSN)
	// Only SendFeedback moves the flush position; a keepalive must not,
	// even on an otherwise idle stream.
	require.Equal(t, pglogrepl.LSN(100), s.lastAckedLSN)
}

func TestKeepaliveAfterWithheldAck(t *testing.T) {
	// A batch was received but its flush failed, so the caller never
	// acknowledged it. The keepalives that follow while the broker is down
	// must keep the flush position at the last confirmed LSN or the server
	// would discard undelivered WAL.
	s := testSource(t)
	s.lastAckedLSN = 50
	batch := &cdc.Batch{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(100, now, 1),
		insertPayload(usersRelation, "1", "Alice"),
		commitPayload(100, 110, now),
	)
	require.Len(t, batch.Events, 1)

	for _, walEnd := range []uint64{150, 200} {
		s.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{
			ServerWALEnd:   pglogrepl.LSN(walEnd),
			ReplyRequested: true,
		})
	}
	require.Equal(t, pglogrepl.LSN(200), s.lastReceivedLSN)
	require.Equal(t, pglogrepl.LSN(50), s.lastAckedLSN)
}

func TestKeepaliveMidTransaction(t *testing.T) {
	s := testSource(t)
	s.lastAckedLSN = 100
	batch := &cdc.Batch{}
	now := time.Now()

	feed(t, s, batch,
		usersRelationPayload(),
		beginPayload(300, now, 1),
	)

	reply := s.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{
		ServerWALEnd:   400,
		ReplyRequested: false,
	})
	require.False(t, reply)
	require.Equal(t, pglogrepl.LSN(400), s.lastReceivedLSN)
	require.Equal(t, pglogrepl.LSN(100), s.lastAckedLSN)
}

func TestEmptyPayloadIsFatal(t *testing.T) {
	s := testSource(t)
	require.Error(t, s.handleWALData(nil, &cdc.Batch{}))
}

func TestTruncatedKnownMessageIsFatal(t *testing.T) {
	s := testSource(t)
	// A BEGIN with a truncated body would break transaction boundaries.
	require.Error(t, s.handleWALData([]byte{'B', 0x00, 0x01}, &cdc.Batch{}))
}

func TestReplicationConnString(t *testing.T) {
	require.Equal(t,
		"host=db port=5432 dbname=app user=cdc replication=database gssencmode=disable",
		replicationConnString("host=db port=5432 dbname=app user=cdc"))
	require.Equal(t,
		"postgres://cdc@db/app?replication=database&gssencmode=disable",
		replicationConnString("postgres://cdc@db/app"))
	require.Equal(t,
		"postgres://cdc@db/app?sslmode=disable&replication=database&gssencmode=disable",
		replicationConnString("postgres://cdc@db/app?sslmode=disable"))
}
