// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flashdb records the FPGA flash updates performed on boards
// into a MySQL database.
//
// Updates are stored in the fpga_updates table:
//
//	CREATE TABLE fpga_updates (
//	    device_id INT UNSIGNED NOT NULL,
//	    revision  INT UNSIGNED NOT NULL,
//	    image     VARCHAR(255) NOT NULL,
//	    size      INT NOT NULL,
//	    crc32     INT UNSIGNED NOT NULL,
//	    attempts  INT NOT NULL,
//	    status    VARCHAR(64) NOT NULL,
//	    datetime  DATETIME NOT NULL
//	);
package flashdb // import "github.com/go-lpc/acces/flashdb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"

	ErrNoEntry = errors.New("flashdb: no entry")
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Entry describes one flash update.
type Entry struct {
	DeviceID uint32
	Revision uint32 // FPGA revision before the update
	Image    string
	Size     int
	CRC32    uint32
	Attempts int
	Status   string
	Time     time.Time
}

// DB is a connection to the flash updates database.
type DB struct {
	db *sql.DB
}

// Open opens a connection to the database described by dsn,
// e.g. "user:password@tcp(localhost)/acces?parseTime=true".
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("flashdb: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("flashdb: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Record inserts e into the database.
// A zero time is replaced by the current time.
func (db *DB) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO fpga_updates (device_id, revision, image, size, crc32, attempts, status, datetime) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.DeviceID, e.Revision, e.Image, e.Size, e.CRC32, e.Attempts, e.Status, e.Time,
	)
	if err != nil {
		return fmt.Errorf("flashdb: could not record update of device 0x%04x: %w", e.DeviceID, err)
	}
	return nil
}

// Last returns the most recent update recorded for the device deviceID.
func (db *DB) Last(ctx context.Context, deviceID uint32) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var e Entry
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT device_id, revision, image, size, crc32, attempts, status, datetime FROM fpga_updates WHERE device_id=? ORDER BY datetime DESC LIMIT 1",
		deviceID,
	)
	if err != nil {
		return e, fmt.Errorf("flashdb: could not query last update: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		err = rows.Scan(
			&e.DeviceID, &e.Revision, &e.Image, &e.Size,
			&e.CRC32, &e.Attempts, &e.Status, &e.Time,
		)
		if err != nil {
			return e, fmt.Errorf("flashdb: could not get last update: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return e, fmt.Errorf("flashdb: could not scan db for last update: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return e, fmt.Errorf("flashdb: context error while retrieving last update: %w", err)
	}

	if n == 0 {
		return e, fmt.Errorf("flashdb: device 0x%04x: %w", deviceID, ErrNoEntry)
	}

	return e, nil
}
