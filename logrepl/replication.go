// Copyright 2025 the Outboxx authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logrepl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/lukashes/outboxx/cdc"
)

// Config carries what the source needs to open a replication stream.
type Config struct {
	// ConnString is a libpq-style connection string without the replication
	// parameters; those are appended by the source.
	ConnString  string
	Slot        string
	Publication string
	// StartLSN optionally overrides the slot's confirmed position, in the
	// textual "HI/LO" form. Hex digits of either case are accepted.
	StartLSN string
}

// Source drives one logical-replication connection: it receives CopyBoth
// frames, decodes pgoutput messages, assembles whole-transaction batches of
// change events, and reports flushed LSNs back to the server.
//
// A Source does not reconnect. Connection errors are fatal; the replication
// slot's confirmed_flush_lsn makes a process restart lossless.
type Source struct {
	cfg      Config
	conn     *pgconn.PgConn
	typeMap  *pgtype.Map
	registry *RelationRegistry

	// lastAckedLSN is the last position reported flushed to the server.
	// Everything at or before it has been durably published to the sink.
	lastAckedLSN pglogrepl.LSN

	// lastReceivedLSN is the high-water server WAL end observed on the
	// stream, used for idle acknowledgments and the apply position.
	lastReceivedLSN pglogrepl.LSN

	// Transaction staging. Events accumulate in staged between a BEGIN and
	// its COMMIT and only then move into the batch, so a batch never ends
	// inside an open transaction.
	inTxn       bool
	processTxn  bool
	txnFinalLSN pglogrepl.LSN
	commitTime  time.Time
	staged      []*cdc.Event
}

func NewSource(cfg Config) *Source {
	return &Source{
		cfg:      cfg,
		typeMap:  pgtype.NewMap(),
		registry: NewRelationRegistry(),
	}
}

// replicationConnString appends the parameters that put the connection into
// logical replication mode. Both URL and key=value forms are handled.
func replicationConnString(connString string) string {
	if strings.Contains(connString, "://") {
		sep := "?"
		if strings.Contains(connString, "?") {
			sep = "&"
		}
		return connString + sep + "replication=database&gssencmode=disable"
	}
	return connString + " replication=database gssencmode=disable"
}

// Connect opens the replication connection and issues START_REPLICATION on
// the configured slot and publication. On success the connection is in
// CopyBoth state and ReceiveBatch may be called.
func (s *Source) Connect(ctx context.Context) error {
	startLSN := pglogrepl.LSN(0)
	if s.cfg.StartLSN != "" {
		parsed, err := pglogrepl.ParseLSN(s.cfg.StartLSN)
		if err != nil {
			return fmt.Errorf("logrepl: parse start LSN %q: %w", s.cfg.StartLSN, err)
		}
		startLSN = parsed
	}

	conn, err := pgconn.Connect(ctx, replicationConnString(s.cfg.ConnString))
	if err != nil {
		return fmt.Errorf("logrepl: connect: %w", err)
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
	}
	err = pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArguments,
	})
	if err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("logrepl: start replication on slot %q: %w", s.cfg.Slot, err)
	}

	logrus.WithFields(logrus.Fields{
		"slot":        s.cfg.Slot,
		"publication": s.cfg.Publication,
		"start_lsn":   startLSN.String(),
	}).Info("logical replication started")

	s.conn = conn
	return nil
}

func (s *Source) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}

// Registry exposes the live relation registry.
func (s *Source) Registry() *RelationRegistry {
	return s.registry
}

// ReceiveBatch blocks until targetSize events have been collected at a
// commit boundary, or the deadline elapses, whichever comes first. The
// returned batch contains only whole transactions and may be empty. When the
// parent context is canceled the batch accumulated so far is returned so the
// caller can run one final publish-flush-ack cycle.
func (s *Source) ReceiveBatch(ctx context.Context, targetSize int, deadline time.Duration) (*cdc.Batch, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("logrepl: receive on unconnected source")
	}

	batch := &cdc.Batch{Reason: cdc.DeadlineFlushReason}
	deadlineAt := time.Now().Add(deadline)

	for len(batch.Events) < targetSize {
		rctx, cancel := context.WithDeadline(ctx, deadlineAt)
		rawMsg, err := s.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				batch.Reason = cdc.ShutdownFlushReason
				return batch, nil
			}
			if pgconn.Timeout(err) {
				return batch, nil
			}
			return nil, fmt.Errorf("logrepl: receive: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return nil, fmt.Errorf("logrepl: server error: %s (%s)", errMsg.Message, errMsg.Code)
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			logrus.WithField("type", fmt.Sprintf("%T", rawMsg)).Warn("unexpected message on replication stream")
			continue
		}
		if len(msg.Data) == 0 {
			logrus.Warn("empty CopyData message on replication stream")
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("logrepl: parse keepalive: %w", err)
			}
			if s.handleKeepalive(pkm) {
				if err := s.sendStatusUpdate(ctx); err != nil {
					return nil, err
				}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("logrepl: parse xlog data: %w", err)
			}
			if xld.ServerWALEnd > s.lastReceivedLSN {
				s.lastReceivedLSN = xld.ServerWALEnd
			}
			if err := s.handleWALData(xld.WALData, batch); err != nil {
				return nil, err
			}
		default:
			logrus.WithField("byte", fmt.Sprintf("%q", msg.Data[0])).Warn("unknown CopyData message on replication stream")
		}
	}

	batch.Reason = cdc.SizeLimitFlushReason
	return batch, nil
}

// handleKeepalive updates the high-water observed LSN and reports whether a
// status update must be sent. The flush position is never moved here: only
// SendFeedback advances it, after the processor has confirmed delivery. A
// keepalive during an outage would otherwise ack WAL the broker never saw.
func (s *Source) handleKeepalive(pkm pglogrepl.PrimaryKeepaliveMessage) (replyNeeded bool) {
	if pkm.ServerWALEnd > s.lastReceivedLSN {
		s.lastReceivedLSN = pkm.ServerWALEnd
	}
	return pkm.ReplyRequested
}

// sendStatusUpdate writes a standby status update. The flush position — the
// one that gates server-side WAL retention — is the last delivery-confirmed
// LSN; the write and apply positions track the observed stream end.
func (s *Source) sendStatusUpdate(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.lastReceivedLSN,
		WALFlushPosition: s.lastAckedLSN,
		WALApplyPosition: s.lastReceivedLSN,
	})
	if err != nil {
		return fmt.Errorf("logrepl: send status update: %w", err)
	}
	return nil
}

// SendFeedback acknowledges the given LSN as written, flushed and applied.
// Callers must only pass positions whose events have been durably published.
// The acked position never moves backwards.
func (s *Source) SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error {
	if lsn > s.lastAckedLSN {
		s.lastAckedLSN = lsn
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.lastAckedLSN,
		WALFlushPosition: s.lastAckedLSN,
		WALApplyPosition: s.lastAckedLSN,
	})
	if err != nil {
		return fmt.Errorf("logrepl: send feedback: %w", err)
	}
	logrus.WithField("lsn", s.lastAckedLSN.String()).Debug("acknowledged LSN")
	return nil
}

// LastAckedLSN returns the last position reported flushed to the server.
func (s *Source) LastAckedLSN() pglogrepl.LSN {
	return s.lastAckedLSN
}

// pgoutput message types the protocol-version-1 stream may legitimately
// carry. Anything else is a future message type and is skipped.
func knownMessageType(t byte) bool {
	switch pglogrepl.MessageType(t) {
	case pglogrepl.MessageTypeBegin,
		pglogrepl.MessageTypeCommit,
		pglogrepl.MessageTypeOrigin,
		pglogrepl.MessageTypeRelation,
		pglogrepl.MessageTypeType,
		pglogrepl.MessageTypeInsert,
		pglogrepl.MessageTypeUpdate,
		pglogrepl.MessageTypeDelete,
		pglogrepl.MessageTypeTruncate:
		return true
	}
	return false
}

// handleWALData decodes one pgoutput payload and advances the transaction
// staging state. Unknown top-level message types are skipped with a warning;
// a parse failure of a known type would break transaction boundaries and is
// fatal.
func (s *Source) handleWALData(data []byte, batch *cdc.Batch) error {
	if len(data) == 0 {
		return fmt.Errorf("logrepl: empty pgoutput payload")
	}
	if !knownMessageType(data[0]) {
		logrus.WithField("type", fmt.Sprintf("%q", data[0])).Warn("skipping unknown pgoutput message type")
		return nil
	}

	logicalMsg, err := pglogrepl.Parse(data)
	if err != nil {
		return fmt.Errorf("logrepl: parse pgoutput message %q: %w", data[0], err)
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.registry.Register(m)

	case *pglogrepl.BeginMessage:
		s.inTxn = true
		s.txnFinalLSN = m.FinalLSN
		s.commitTime = m.CommitTime
		s.staged = s.staged[:0]
		// The server can resend transactions from before the confirmed
		// position after a crash. Their commit LSN is at or below what we
		// already acknowledged, so the whole transaction is skipped.
		if m.FinalLSN <= s.lastAckedLSN {
			logrus.WithFields(logrus.Fields{
				"txn_lsn":   m.FinalLSN.String(),
				"acked_lsn": s.lastAckedLSN.String(),
			}).Info("skipping already-acknowledged transaction")
			s.processTxn = false
		} else {
			s.processTxn = true
		}

	case *pglogrepl.CommitMessage:
		if s.processTxn {
			batch.Events = append(batch.Events, s.staged...)
			batch.LastLSN = m.TransactionEndLSN
		}
		s.staged = nil
		s.inTxn = false
		s.processTxn = false

	case *pglogrepl.InsertMessage:
		if !s.processTxn {
			return nil
		}
		ev, err := s.convert(cdc.OpInsert, m.RelationID, m.Tuple, nil)
		if err != nil {
			return err
		}
		s.staged = append(s.staged, ev)

	case *pglogrepl.UpdateMessage:
		if !s.processTxn {
			return nil
		}
		ev, err := s.convert(cdc.OpUpdate, m.RelationID, m.NewTuple, m.OldTuple)
		if err != nil {
			return err
		}
		s.staged = append(s.staged, ev)

	case *pglogrepl.DeleteMessage:
		if !s.processTxn {
			return nil
		}
		ev, err := s.convert(cdc.OpDelete, m.RelationID, nil, m.OldTuple)
		if err != nil {
			return err
		}
		s.staged = append(s.staged, ev)

	case *pglogrepl.OriginMessage, *pglogrepl.TypeMessage, *pglogrepl.TruncateMessage:
		logrus.WithField("type", fmt.Sprintf("%T", m)).Debug("ignoring pgoutput message")

	default:
		logrus.WithField("type", fmt.Sprintf("%T", m)).Warn("ignoring unhandled pgoutput message")
	}

	return nil
}

// convert builds a change event from decoded tuples. The registry lookup
// must succeed; pgoutput guarantees a RELATION message precedes the first
// row message for a table, so a miss is a fatal protocol violation.
func (s *Source) convert(op cdc.Op, relationID uint32, newTuple, oldTuple *pglogrepl.TupleData) (*cdc.Event, error) {
	rel, err := s.registry.Get(relationID)
	if err != nil {
		return nil, fmt.Errorf("logrepl: %s: %w", op, err)
	}

	newRow, err := decodeTuple(s.typeMap, rel, newTuple)
	if err != nil {
		return nil, fmt.Errorf("logrepl: %s: %w", op, err)
	}
	oldRow, err := decodeTuple(s.typeMap, rel, oldTuple)
	if err != nil {
		return nil, fmt.Errorf("logrepl: %s: %w", op, err)
	}

	timestamp := s.commitTime
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return &cdc.Event{
		Op: op,
		Meta: cdc.Metadata{
			Source:    "postgres",
			Schema:    rel.Namespace,
			Resource:  rel.Relation,
			Timestamp: timestamp.Unix(),
			LSN:       s.txnFinalLSN.String(),
		},
		New: newRow,
		Old: oldRow,
	}, nil
}
