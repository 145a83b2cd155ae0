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
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

const outputPlugin = "pgoutput"

// duplicateObjectCode is the SQLSTATE the server returns when a slot or
// publication already exists.
const duplicateObjectCode = "42710"

// SlotExists reports whether the named replication slot exists on the
// primary. Uses a regular (non-replication) connection.
func SlotExists(ctx context.Context, connString, slot string) (bool, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return false, fmt.Errorf("logrepl: connect for slot check: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", slot).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("logrepl: query pg_replication_slots: %w", err)
	}
	return exists, nil
}

// PublicationExists reports whether the named publication exists.
func PublicationExists(ctx context.Context, connString, publication string) (bool, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return false, fmt.Errorf("logrepl: connect for publication check: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", publication).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("logrepl: query pg_publication: %w", err)
	}
	return exists, nil
}

// CreateReplicationSlotIfNecessary creates the slot with the pgoutput plugin
// when it does not already exist. Slot creation requires a replication-mode
// connection.
func CreateReplicationSlotIfNecessary(ctx context.Context, connString, slot string) error {
	exists, err := SlotExists(ctx, connString, slot)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	conn, err := pgconn.Connect(ctx, replicationConnString(connString))
	if err != nil {
		return fmt.Errorf("logrepl: connect for slot creation: %w", err)
	}
	defer conn.Close(ctx)

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateObjectCode {
			return nil
		}
		return fmt.Errorf("logrepl: create replication slot %q: %w", slot, err)
	}

	logrus.WithField("slot", slot).Info("created replication slot")
	return nil
}

// CreatePublicationIfNecessary creates a FOR ALL TABLES publication when it
// does not already exist. Operators who want a narrower table set should
// create the publication themselves before starting the pipeline.
func CreatePublicationIfNecessary(ctx context.Context, connString, publication string) error {
	exists, err := PublicationExists(ctx, connString, publication)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("logrepl: connect for publication creation: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", publication))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateObjectCode {
			return nil
		}
		return fmt.Errorf("logrepl: create publication %q: %w", publication, err)
	}

	logrus.WithField("publication", publication).Info("created publication")
	return nil
}

// EnsureReplicationObjects verifies the slot and publication exist, creating
// them when createMissing is set. With createMissing unset a missing object
// is a startup error: creation is an operator concern by default.
func EnsureReplicationObjects(ctx context.Context, connString, slot, publication string, createMissing bool) error {
	if createMissing {
		if err := CreatePublicationIfNecessary(ctx, connString, publication); err != nil {
			return err
		}
		return CreateReplicationSlotIfNecessary(ctx, connString, slot)
	}

	exists, err := SlotExists(ctx, connString, slot)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("logrepl: replication slot %q does not exist", slot)
	}

	exists, err = PublicationExists(ctx, connString, publication)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("logrepl: publication %q does not exist", publication)
	}
	return nil
}
