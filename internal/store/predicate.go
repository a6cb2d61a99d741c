package store

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Predicate is a condition evaluated by the database against the stored row
// in the same statement as the write it guards.
type Predicate struct {
	exprs     []clause.Expression
	notExists bool
}

// Always is the empty predicate.
func Always() Predicate { return Predicate{} }

// NotExists only holds when no row is stored under the key.
func NotExists() Predicate { return Predicate{notExists: true} }

func Eq(column string, value any) Predicate {
	return Predicate{exprs: []clause.Expression{clause.Eq{Column: clause.Column{Name: column}, Value: value}}}
}

func Neq(column string, value any) Predicate {
	return Predicate{exprs: []clause.Expression{clause.Neq{Column: clause.Column{Name: column}, Value: value}}}
}

func In(column string, values ...any) Predicate {
	return Predicate{exprs: []clause.Expression{clause.IN{Column: clause.Column{Name: column}, Values: values}}}
}

func NotIn(column string, values ...any) Predicate {
	return Predicate{exprs: []clause.Expression{clause.Not(clause.IN{Column: clause.Column{Name: column}, Values: values})}}
}

// AnyOf holds when at least one of ps holds.
func AnyOf(ps ...Predicate) Predicate {
	branches := make([]clause.Expression, 0, len(ps))
	for _, p := range ps {
		if len(p.exprs) == 0 {
			continue
		}
		branches = append(branches, clause.And(p.exprs...))
	}
	if len(branches) == 0 {
		return Predicate{}
	}
	return Predicate{exprs: []clause.Expression{clause.Or(branches...)}}
}

// All holds when every one of ps holds.
func All(ps ...Predicate) Predicate {
	var out Predicate
	for _, p := range ps {
		out.exprs = append(out.exprs, p.exprs...)
		out.notExists = out.notExists || p.notExists
	}
	return out
}

func (p Predicate) And(others ...Predicate) Predicate {
	return All(append([]Predicate{p}, others...)...)
}

func (p Predicate) apply(tx *gorm.DB) *gorm.DB {
	if len(p.exprs) == 0 {
		return tx
	}
	return tx.Clauses(clause.Where{Exprs: p.exprs})
}
