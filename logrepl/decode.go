package logrepl

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lukashes/outboxx/cdc"
)

// ErrBinaryColumnData is returned for tuples carrying binary-format columns.
// The stream is started in text mode; a binary column means the server is
// configured in a way the pipeline cannot faithfully represent.
var ErrBinaryColumnData = errors.New("binary column data is not supported")

// decodeTuple converts wire tuple data into an ordered row, taking column
// names from the registry entry. Null and unchanged-TOAST columns both map
// to a nil value.
func decodeTuple(typeMap *pgtype.Map, rel *RelationInfo, tuple *pglogrepl.TupleData) (cdc.RowData, error) {
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s.%s has %d",
			len(tuple.Columns), rel.Namespace, rel.Relation, len(rel.Columns))
	}

	row := make(cdc.RowData, 0, len(tuple.Columns))
	for i, col := range tuple.Columns {
		relCol := rel.Columns[i]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			row = append(row, cdc.Field{Name: relCol.Name, Value: nil})
		case pglogrepl.TupleDataTypeText:
			val, err := decodeColumnValue(typeMap, col.Data, relCol.TypeOID)
			if err != nil {
				return nil, fmt.Errorf("decoding column %s of %s.%s: %w",
					relCol.Name, rel.Namespace, rel.Relation, err)
			}
			row = append(row, cdc.Field{Name: relCol.Name, Value: val})
		case pglogrepl.TupleDataTypeBinary:
			return nil, fmt.Errorf("column %s of %s.%s: %w",
				relCol.Name, rel.Namespace, rel.Relation, ErrBinaryColumnData)
		default:
			return nil, fmt.Errorf("column %s of %s.%s: unknown tuple data kind %q",
				relCol.Name, rel.Namespace, rel.Relation, col.DataType)
		}
	}
	return row, nil
}

// decodeColumnValue turns the Postgres text representation of a value into a
// Go value suitable for JSON output. Common OIDs go through the pgtype codec
// for that type; everything else keeps the canonical text rendering.
func decodeColumnValue(typeMap *pgtype.Map, data []byte, dataType uint32) (any, error) {
	dt, ok := typeMap.TypeForOID(dataType)
	if !ok {
		return string(data), nil
	}

	switch dataType {
	case pgtype.BoolOID,
		pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID,
		pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID,
		pgtype.UUIDOID,
		pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		val, err := dt.Codec.DecodeValue(typeMap, dataType, pgtype.TextFormatCode, data)
		if err != nil {
			return nil, err
		}
		return normalizeValue(val, dataType), nil
	default:
		return string(data), nil
	}
}

// normalizeValue collapses codec output to the handful of shapes the JSON
// layer emits: bool, int64, float64, string.
func normalizeValue(v any, dataType uint32) any {
	switch v := v.(type) {
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		if dataType == pgtype.DateOID {
			return v.Format("2006-01-02")
		}
		return v.UTC().Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return v
	}
}
