// Package tests holds shared helpers for package tests.
package tests

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// keepAlive pins one connection per database for the lifetime of the test
// process; a shared-cache in-memory database is destroyed once its last
// connection closes.
var keepAlive []*sql.Conn

// Sqlite3URL returns a URI for a fresh in-memory SQLite database. The shared
// cache keeps the database alive across the multiple connections a test run
// opens.
func Sqlite3URL() string {
	uri := "file::" + uuid.NewString() + ":?mode=memory&cache=shared&_foreign_keys=on"
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		panic(err)
	}
	conn, err := db.Conn(context.Background())
	if err != nil {
		panic(err)
	}
	keepAlive = append(keepAlive, conn)
	return uri
}
