// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package schema deploys the per-appId Postgres schema backing the
// stream broker: the hash-partitioned streams table, its indexes, the
// insert-notification trigger, and the visibility-scan function.
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/hotmeshio/streambroker/internal/keys"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var deployInProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "hmsh",
	Subsystem: "schema",
	Name:      "deploy_in_progress",
	Help:      "1 while a schema deploy holds the advisory lock for an appId, 0 otherwise.",
}, []string{"app_id"})

const partitionCount = keys.StreamPartitions

// The notification functions live inside the per-appId schema, and the
// insert trigger is named from the appId, so that two appIds never
// collide inside the same database.
const ddlTemplate = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.streams (
	id                       bigint GENERATED ALWAYS AS IDENTITY,
	stream_name              text NOT NULL,
	group_name               text NOT NULL,
	message                  jsonb NOT NULL,
	created_at               timestamptz NOT NULL DEFAULT now(),
	reserved_at              timestamptz,
	reserved_by              text,
	expired_at               timestamptz,
	visible_at               timestamptz NOT NULL DEFAULT now(),
	retry_attempt            integer NOT NULL DEFAULT 0,
	max_retry_attempts       integer NOT NULL DEFAULT 3,
	backoff_coefficient      double precision NOT NULL DEFAULT 10,
	maximum_interval_seconds integer NOT NULL DEFAULT 120,
	PRIMARY KEY (stream_name, id)
) PARTITION BY HASH (stream_name);

CREATE INDEX IF NOT EXISTS streams_reservation_idx ON %[1]s.streams
	(group_name, stream_name, reserved_at, id)
	WHERE reserved_at IS NULL AND expired_at IS NULL;

CREATE INDEX IF NOT EXISTS streams_depth_idx ON %[1]s.streams
	(stream_name, group_name, id)
	WHERE expired_at IS NULL;

CREATE OR REPLACE FUNCTION %[1]s.notify_new_stream_message() RETURNS trigger AS $body$
BEGIN
	IF NEW.visible_at <= now() THEN
		PERFORM pg_notify(
			left('stream_' || NEW.stream_name || '_' || NEW.group_name, 63),
			json_build_object(
				'stream_name', NEW.stream_name,
				'group_name', NEW.group_name,
				'id', NEW.id,
				'created_at', NEW.created_at
			)::text
		);
	END IF;
	RETURN NEW;
END;
$body$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION %[1]s.notify_visible_messages() RETURNS integer AS $body$
DECLARE
	emitted integer := 0;
	rec record;
BEGIN
	FOR rec IN
		SELECT DISTINCT stream_name, group_name
		FROM %[1]s.streams
		WHERE expired_at IS NULL
		  AND visible_at <= now()
		  AND (reserved_at IS NULL OR reserved_at < now() - interval '30 seconds')
	LOOP
		PERFORM pg_notify(
			left('stream_' || rec.stream_name || '_' || rec.group_name, 63),
			json_build_object('stream_name', rec.stream_name, 'group_name', rec.group_name)::text
		);
		emitted := emitted + 1;
	END LOOP;
	RETURN emitted;
END;
$body$ LANGUAGE plpgsql;
`

const triggerTemplate = `
DO $do$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_trigger WHERE tgname = 'streams_notify_insert_%[2]s'
	) THEN
		CREATE TRIGGER streams_notify_insert_%[2]s
			AFTER INSERT ON %[1]s.streams
			FOR EACH ROW EXECUTE FUNCTION %[1]s.notify_new_stream_message();
	END IF;
END;
$do$;
`

func partitionDDL(schemaName string, n int) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %[1]s.streams_part_%[2]d PARTITION OF %[1]s.streams FOR VALUES WITH (MODULUS %[3]d, REMAINDER %[2]d);",
		schemaName, n, partitionCount,
	)
}

// Deployer deploys the stream-broker schema for a single appId.
type Deployer struct {
	Pool *pgxpool.Pool
}

// NewDeployer constructs a Deployer bound to pool.
func NewDeployer(pool *pgxpool.Pool) *Deployer {
	return &Deployer{Pool: pool}
}

// Deploy idempotently creates the schema, partitioned streams table,
// indexes, insert trigger, and visibility-scan function for appID
// (spec §4.1). It is guarded by a deterministic Postgres advisory lock
// so concurrent deploys across engine instances never race; a deploy
// already in progress elsewhere fails fast with
// errs.DeploymentInProgressError rather than blocking.
func (d *Deployer) Deploy(ctx context.Context, appID string) error {
	start := time.Now()
	schemaName := keys.SchemaName(appID)
	lockKey := keys.AdvisoryLockKey(appID)

	log.WithFields(log.Fields{"appId": appID, "schema": schemaName}).Info("deploy started")

	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&locked); err != nil {
		return errors.WithStack(err)
	}
	if !locked {
		return errs.NewDeploymentInProgressError(appID)
	}
	deployInProgress.WithLabelValues(appID).Set(1)
	defer func() {
		deployInProgress.WithLabelValues(appID).Set(0)
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			log.WithError(err).WithField("appId", appID).Warn("failed to release schema deploy lock")
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(ddlTemplate, schemaName)); err != nil {
		return errors.WithStack(err)
	}

	for p := 0; p < partitionCount; p++ {
		if _, err := tx.Exec(ctx, partitionDDL(schemaName, p)); err != nil {
			return errors.WithStack(err)
		}
	}

	triggerSuffix := sanitizedSuffix(appID)
	if _, err := tx.Exec(ctx, fmt.Sprintf(triggerTemplate, schemaName, triggerSuffix)); err != nil {
		return errors.WithStack(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}

	log.WithFields(log.Fields{
		"appId":    appID,
		"schema":   schemaName,
		"duration": time.Since(start),
	}).Info("deploy completed")
	return nil
}

func sanitizedSuffix(appID string) string {
	name := keys.SchemaName(appID)
	// Strip the "hmsh_" schema prefix so the trigger name reads cleanly.
	const prefix = "hmsh_"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}
