package catalog

import (
	"github.com/mattn/go-sqlite3"
)

type constraintKind int

const (
	constraintOther constraintKind = iota
	constraintPrimaryKey
	constraintUnique
)

// classifyConstraint maps a sqlite3 integrity-constraint error to the
// specific kind callers care about.
func classifyConstraint(err error) constraintKind {
	sqliteErr, ok := err.(sqlite3.Error)
	if !ok {
		return constraintOther
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return constraintPrimaryKey
	case sqlite3.ErrConstraintUnique:
		return constraintUnique
	default:
		return constraintOther
	}
}
