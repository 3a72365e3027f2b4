// Package repository implements the relational stores behind the messaging services.
package repository

import (
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a row lock on dialects that support it. SQLite serializes writers instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// storeNow is the persistence clock: UTC at the precision PostgreSQL keeps.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// containsText matches messages whose content contains term, ignoring case. PostgreSQL uses
// ILIKE, which folds Unicode per the database collation. SQLite's LOWER folds ASCII only.
func containsText(tx *gorm.DB, term string) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Where("content ILIKE ? ESCAPE '\\'", "%"+escapeLike(term)+"%")
	}
	return tx.Where("LOWER(content) LIKE ? ESCAPE '\\'", "%"+escapeLike(strings.ToLower(term))+"%")
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
