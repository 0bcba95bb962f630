package db

import (
	"database/sql"
)

// MakeTx opens a transaction-scoped Queries along with its discard and
// commit callbacks.
type MakeTx = func() (tx *Queries, discard, commit func() error, err error)

func NewMakeTx(database *sql.DB) MakeTx {
	return func() (tx *Queries, discard, commit func() error, err error) {
		sqltx, err := database.Begin()
		if err != nil {
			return nil, nil, nil, err
		}
		return New(sqltx), sqltx.Rollback, sqltx.Commit, nil
	}
}
