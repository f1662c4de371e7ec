// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/godror/godror"
	"github.com/lib/pq"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// dbAdapter hides the differences between the database drivers a pool can use
type dbAdapter interface {
	// InitDB opens the database handle of the pool
	InitDB(dsn string) (*sql.DB, error)
	// Heartbeat checks that a pooled connection still works
	Heartbeat(ctx context.Context, conn *sql.Conn) error
	// ErrorCode extracts the vendor error code, "" when err is not a database error
	ErrorCode(err error) string
}

func newAdapter(driver string) (dbAdapter, error) {
	switch driver {
	case "mysql":
		return &mysqlAdapter{}, nil
	case "postgres":
		return &postgresAdapter{}, nil
	case "godror", "oracle":
		return &oracleAdapter{}, nil
	case "sqlite":
		return &sqliteAdapter{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
}

func ping(ctx context.Context, conn *sql.Conn) error {
	return conn.PingContext(ctx)
}

type mysqlAdapter struct{}

// InitDB opens a mysql handle, several statements are allowed in one call for the result portions
func (adapter *mysqlAdapter) InitDB(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MultiStatements = true
	return sql.Open("mysql", cfg.FormatDSN())
}

func (adapter *mysqlAdapter) Heartbeat(ctx context.Context, conn *sql.Conn) error {
	return ping(ctx, conn)
}

func (adapter *mysqlAdapter) ErrorCode(err error) string {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return strconv.Itoa(int(myErr.Number))
	}
	return ""
}

type postgresAdapter struct{}

func (adapter *postgresAdapter) InitDB(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func (adapter *postgresAdapter) Heartbeat(ctx context.Context, conn *sql.Conn) error {
	return ping(ctx, conn)
}

func (adapter *postgresAdapter) ErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

type oracleAdapter struct{}

func (adapter *oracleAdapter) InitDB(dsn string) (*sql.DB, error) {
	return sql.Open("godror", dsn)
}

// Heartbeat runs a query: a ping does not reach the server with every oracle client version
func (adapter *oracleAdapter) Heartbeat(ctx context.Context, conn *sql.Conn) error {
	var one int
	return conn.QueryRowContext(ctx, "SELECT 1 FROM DUAL").Scan(&one)
}

func (adapter *oracleAdapter) ErrorCode(err error) string {
	if oraErr, ok := godror.AsOraErr(err); ok {
		return fmt.Sprintf("ORA-%05d", oraErr.Code())
	}
	return ""
}

// sqliteAdapter opens the database through gorm
type sqliteAdapter struct {
	db *gorm.DB
}

func (adapter *sqliteAdapter) InitDB(dsn string) (*sql.DB, error) {
	db, err := openGorm(dsn)
	if err != nil {
		return nil, err
	}
	adapter.db = db
	return db.DB()
}

func (adapter *sqliteAdapter) Heartbeat(ctx context.Context, conn *sql.Conn) error {
	return ping(ctx, conn)
}

func (adapter *sqliteAdapter) ErrorCode(err error) string {
	return ""
}

func openGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
}
