// Package sqlite opens the SQLite databases that back the document
// repository, supporting both pure Go (modernc.org/sqlite) and CGO
// (mattn/go-sqlite3) drivers.
//
// Build modes:
//   - Default (CGO_ENABLED=0): Uses pure Go modernc.org/sqlite
//   - CGO mode (CGO_ENABLED=1 -tags cgo_sqlite): Uses mattn/go-sqlite3
//
// Use Open() instead of sql.Open() so the driver's pragma syntax is
// applied: foreign keys on and a busy timeout for concurrent writers.
package sqlite

import "database/sql"

// DriverName returns the SQL driver name to use.
func DriverName() string {
	return driverName
}

// DriverType returns a string identifying the underlying implementation.
// Returns "cgo" for mattn/go-sqlite3, "purego" for modernc.org/sqlite.
func DriverType() string {
	return driverType
}

// IsCGO returns true if the CGO implementation is being used.
func IsCGO() bool {
	return driverType == "cgo"
}

// Open opens a SQLite database file using the appropriate driver.
func Open(path string) (*sql.DB, error) {
	return sql.Open(driverName, dsn(path))
}

// OpenMemory opens a private in-memory database. The pool is limited to
// one connection because every connection would otherwise see its own
// empty database.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn(":memory:"))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func dsn(path string) string {
	return "file:" + path + "?" + pragmas
}

// Info contains information about the SQLite driver configuration.
type Info struct {
	DriverName string `json:"driver_name"`
	DriverType string `json:"driver_type"`
	IsCGO      bool   `json:"is_cgo"`
	Package    string `json:"package"`
}

// GetInfo returns information about the current SQLite configuration.
func GetInfo() Info {
	return Info{
		DriverName: driverName,
		DriverType: driverType,
		IsCGO:      IsCGO(),
		Package:    driverPackage,
	}
}
