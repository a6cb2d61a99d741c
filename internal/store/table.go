package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"

	"github.com/gigboard/project/internal/contracts"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	// MaxBatchWrite bounds the number of items written per batch call.
	MaxBatchWrite = 25

	maxBatchGet      = 100
	defaultPageSize  = 20
	maxPageSize      = 100
	versionRaceTries = 3
)

// Key identifies a row by column name.
type Key map[string]string

// String renders the key canonically: the bare value for single-column keys,
// sorted column=value pairs joined by "#" otherwise.
func (k Key) String() string {
	if len(k) == 1 {
		for _, v := range k {
			return v
		}
	}
	cols := make([]string, 0, len(k))
	for c := range k {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + k[c]
	}
	return strings.Join(parts, "#")
}

func (k Key) conds() map[string]any {
	out := make(map[string]any, len(k))
	for c, v := range k {
		out[c] = v
	}
	return out
}

// Entity is implemented by value types stored in a Table.
type Entity[T any] interface {
	StoreKey() map[string]string
	RowVersion() int64
	WithVersion(int64) T
}

// Mutation maps column names to new values.
type Mutation map[string]any

type Page[T any] struct {
	Items         []T
	NextPageToken string
}

// QueryInput selects rows through a secondary index: Where holds the equality
// key condition, SortBy the index sort column.
type QueryInput struct {
	Where     Key
	Filter    Predicate
	SortBy    string
	Desc      bool
	Limit     int
	PageToken string
}

type BatchFailure struct {
	Key Key
	Err error
}

// BatchResult reports best-effort writes; failures never abort the batch.
type BatchResult struct {
	Succeeded int
	Failed    []BatchFailure
}

func (r *BatchResult) merge(other BatchResult) {
	r.Succeeded += other.Succeeded
	r.Failed = append(r.Failed, other.Failed...)
}

// Collection is the client contract implemented by Table.
type Collection[T any] interface {
	Get(ctx context.Context, key Key) (T, error)
	Put(ctx context.Context, item T) (T, error)
	ConditionalPut(ctx context.Context, item T, cond Predicate) (T, error)
	ConditionalUpdate(ctx context.Context, key Key, mutation Mutation, cond Predicate) (T, error)
	Query(ctx context.Context, in QueryInput) (Page[T], error)
	Scan(ctx context.Context, filter Predicate, limit int, pageToken string) (Page[T], error)
	BatchGet(ctx context.Context, keys []Key) (map[string]T, error)
	BatchWrite(ctx context.Context, items []T) BatchResult
}

type Table[T Entity[T]] struct {
	s          *Store
	collection string
	capture    bool
	table      string
	schema     *schema.Schema
	keyColumns []string
	dataCols   []string
}

// NewTable binds T to its table. When capture is set every write appends a
// change record in the same database transaction.
func NewTable[T Entity[T]](s *Store, collection string, capture bool) *Table[T] {
	t := &Table[T]{s: s, collection: collection, capture: capture}
	var zero T
	for c := range zero.StoreKey() {
		t.keyColumns = append(t.keyColumns, c)
	}
	sort.Strings(t.keyColumns)

	stmt := &gorm.Statement{DB: s.DB}
	if err := stmt.Parse(new(T)); err != nil {
		log.Printf("store: parse schema for %s: %v", collection, err)
		return t
	}
	t.table = stmt.Schema.Table
	t.schema = stmt.Schema
	for _, name := range stmt.Schema.DBNames {
		if name == "version" || containsString(t.keyColumns, name) {
			continue
		}
		t.dataCols = append(t.dataCols, name)
	}
	return t
}

func (t *Table[T]) db(ctx context.Context) *gorm.DB {
	return t.s.DB.WithContext(ctx)
}

func (t *Table[T]) load(tx *gorm.DB, key Key) (T, bool, error) {
	var item T
	err := tx.Where(key.conds()).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return item, false, nil
	}
	if err != nil {
		return item, false, err
	}
	return item, true, nil
}

func (t *Table[T]) Get(ctx context.Context, key Key) (T, error) {
	var item T
	err := t.s.Retry.Do(ctx, func(ctx context.Context) error {
		got, found, err := t.load(t.db(ctx), key)
		if err != nil {
			return fmt.Errorf("get %s %s: %w", t.collection, key, err)
		}
		if !found {
			return ErrNotFound
		}
		item = got
		return nil
	})
	return item, err
}

func (t *Table[T]) Put(ctx context.Context, item T) (T, error) {
	return t.ConditionalPut(ctx, item, Always())
}

// ConditionalPut inserts or replaces item only when cond holds for the row
// currently stored under its key.
func (t *Table[T]) ConditionalPut(ctx context.Context, item T, cond Predicate) (T, error) {
	var out T
	err := t.s.Retry.Do(ctx, func(ctx context.Context) error {
		return t.db(ctx).Transaction(func(tx *gorm.DB) error {
			written, err := t.put(tx, item, cond)
			if err != nil {
				return err
			}
			out = written
			return nil
		})
	})
	return out, err
}

func (t *Table[T]) put(tx *gorm.DB, item T, cond Predicate) (T, error) {
	key := Key(item.StoreKey())
	before, found, err := t.load(tx, key)
	if err != nil {
		return item, err
	}
	if cond.notExists && found {
		return item, ErrConditionFailed
	}
	if len(cond.exprs) > 0 {
		if !found {
			return item, ErrConditionFailed
		}
		var n int64
		q := tx.Model(new(T)).Where(key.conds()).Where("version = ?", before.RowVersion())
		if err := cond.apply(q).Count(&n).Error; err != nil {
			return item, err
		}
		if n == 0 {
			return item, ErrConditionFailed
		}
	}

	if !found {
		next := item.WithVersion(1)
		if err := tx.Create(&next).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return item, ErrConditionFailed
			}
			return item, err
		}
		return next, t.record(tx, contracts.EventInsert, key, nil, &next)
	}

	next := item.WithVersion(before.RowVersion() + 1)
	res := tx.Model(&next).Where("version = ?", before.RowVersion()).Select("*").Updates(&next)
	if res.Error != nil {
		return item, res.Error
	}
	if res.RowsAffected == 0 {
		return item, ErrConditionFailed
	}
	return next, t.record(tx, contracts.EventModify, key, &before, &next)
}

// ConditionalUpdate applies mutation to the row under key when cond holds and
// returns the new image.
func (t *Table[T]) ConditionalUpdate(ctx context.Context, key Key, mutation Mutation, cond Predicate) (T, error) {
	var out T
	err := t.s.Retry.Do(ctx, func(ctx context.Context) error {
		return t.db(ctx).Transaction(func(tx *gorm.DB) error {
			updated, err := t.update(tx, key, mutation, cond)
			if err != nil {
				return err
			}
			out = updated
			return nil
		})
	})
	return out, err
}

func (t *Table[T]) update(tx *gorm.DB, key Key, mutation Mutation, cond Predicate) (T, error) {
	var zero T
	for attempt := 0; attempt < versionRaceTries; attempt++ {
		before, found, err := t.load(tx, key)
		if err != nil {
			return zero, err
		}
		if !found {
			return zero, ErrNotFound
		}
		if cond.notExists {
			return zero, ErrConditionFailed
		}

		set := make(map[string]any, len(mutation)+1)
		for c, v := range mutation {
			set[c] = v
		}
		set["version"] = before.RowVersion() + 1

		q := tx.Model(new(T)).Where(key.conds()).Where("version = ?", before.RowVersion())
		res := cond.apply(q).Updates(set)
		if res.Error != nil {
			return zero, res.Error
		}
		if res.RowsAffected == 0 {
			current, found, err := t.load(tx, key)
			if err != nil {
				return zero, err
			}
			if found && current.RowVersion() != before.RowVersion() {
				continue
			}
			return zero, ErrConditionFailed
		}

		after, _, err := t.load(tx, key)
		if err != nil {
			return zero, err
		}
		return after, t.record(tx, contracts.EventModify, key, &before, &after)
	}
	return zero, ErrConditionFailed
}

// Query reads one page through a secondary index, ordered by SortBy and then
// the primary key.
func (t *Table[T]) Query(ctx context.Context, in QueryInput) (Page[T], error) {
	cols := make([]string, 0, len(t.keyColumns)+1)
	if in.SortBy != "" {
		cols = append(cols, in.SortBy)
	}
	cols = append(cols, t.keyColumns...)
	return t.list(ctx, in.Where, in.Filter, cols, in.Desc, in.Limit, in.PageToken)
}

// Scan reads one page of the whole collection in key order.
func (t *Table[T]) Scan(ctx context.Context, filter Predicate, limit int, pageToken string) (Page[T], error) {
	return t.list(ctx, nil, filter, t.keyColumns, false, limit, pageToken)
}

// list pages by keyset: the token holds the order columns of the last row
// returned, so rows that move while a caller pages are neither repeated nor
// skipped.
func (t *Table[T]) list(ctx context.Context, where Key, filter Predicate, cols []string, desc bool, limit int, pageToken string) (Page[T], error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if t.schema == nil {
		return Page[T]{}, fmt.Errorf("list %s: schema unavailable", t.collection)
	}
	after, err := t.decodeCursor(cols, pageToken)
	if err != nil {
		return Page[T]{}, err
	}

	order := make([]clause.OrderByColumn, len(cols))
	for i, c := range cols {
		order[i] = clause.OrderByColumn{Column: clause.Column{Name: c}, Desc: desc}
	}

	var items []T
	err = t.s.Retry.Do(ctx, func(ctx context.Context) error {
		items = items[:0]
		q := t.db(ctx).Model(new(T))
		if len(where) > 0 {
			q = q.Where(where.conds())
		}
		q = filter.apply(q)
		if after != nil {
			q = q.Where(keysetAfter(cols, after, desc))
		}
		return q.Order(clause.OrderBy{Columns: order}).Limit(limit + 1).Find(&items).Error
	})
	if err != nil {
		return Page[T]{}, fmt.Errorf("list %s: %w", t.collection, err)
	}

	page := Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextPageToken, err = t.encodeCursor(cols, page.Items[limit-1])
		if err != nil {
			return Page[T]{}, fmt.Errorf("list %s: %w", t.collection, err)
		}
	}
	return page, nil
}

// keysetAfter renders (c1, c2, ...) > (v1, v2, ...), or < when descending.
func keysetAfter(cols []string, values []any, desc bool) clause.Expr {
	op := ">"
	if desc {
		op = "<"
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	vars := make([]any, 0, len(cols)*2)
	for _, c := range cols {
		vars = append(vars, clause.Column{Name: c})
	}
	vars = append(vars, values...)
	return clause.Expr{SQL: "(" + marks + ") " + op + " (" + marks + ")", Vars: vars}
}

type cursor struct {
	Columns string            `json:"c"`
	Values  []json.RawMessage `json:"v"`
}

func (t *Table[T]) encodeCursor(cols []string, last T) (string, error) {
	row := reflect.ValueOf(&last).Elem()
	cur := cursor{Columns: strings.Join(cols, ",")}
	for _, c := range cols {
		field := t.schema.LookUpField(c)
		if field == nil {
			return "", fmt.Errorf("unknown order column %q", c)
		}
		v, _ := field.ValueOf(context.Background(), row)
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		cur.Values = append(cur.Values, raw)
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor returns nil for an empty token. Values come back as the
// column's Go type so drivers bind them the way they bind writes.
func (t *Table[T]) decodeCursor(cols []string, token string) ([]any, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	var cur cursor
	if err := json.Unmarshal(raw, &cur); err != nil || cur.Columns != strings.Join(cols, ",") || len(cur.Values) != len(cols) {
		return nil, ErrInvalidPageToken
	}
	values := make([]any, len(cols))
	for i, c := range cols {
		field := t.schema.LookUpField(c)
		if field == nil {
			return nil, ErrInvalidPageToken
		}
		v := reflect.New(field.FieldType)
		if err := json.Unmarshal(cur.Values[i], v.Interface()); err != nil {
			return nil, ErrInvalidPageToken
		}
		values[i] = v.Elem().Interface()
	}
	return values, nil
}

// BatchGet fetches the given keys; absent keys are omitted from the result,
// which is keyed by Key.String().
func (t *Table[T]) BatchGet(ctx context.Context, keys []Key) (map[string]T, error) {
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	if len(t.keyColumns) != 1 {
		for _, k := range keys {
			item, err := t.Get(ctx, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[k.String()] = item
		}
		return out, nil
	}

	col := t.keyColumns[0]
	seen := make(map[string]struct{}, len(keys))
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		v := k[col]
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}

	for start := 0; start < len(values); start += maxBatchGet {
		end := min(start+maxBatchGet, len(values))
		chunk := values[start:end]
		var items []T
		err := t.s.Retry.Do(ctx, func(ctx context.Context) error {
			items = items[:0]
			return t.db(ctx).Where(clause.IN{Column: clause.Column{Name: col}, Values: toAny(chunk)}).Find(&items).Error
		})
		if err != nil {
			return nil, fmt.Errorf("batch get %s: %w", t.collection, err)
		}
		for _, item := range items {
			out[Key(item.StoreKey()).String()] = item
		}
	}
	return out, nil
}

// BatchWrite upserts items in chunks of MaxBatchWrite. A failed chunk is
// retried item by item; item failures are logged and reported, not returned.
func (t *Table[T]) BatchWrite(ctx context.Context, items []T) BatchResult {
	var result BatchResult
	for start := 0; start < len(items); start += MaxBatchWrite {
		end := min(start+MaxBatchWrite, len(items))
		result.merge(t.writeChunk(ctx, items[start:end]))
	}
	return result
}

func (t *Table[T]) writeChunk(ctx context.Context, chunk []T) BatchResult {
	var result BatchResult
	if !t.capture {
		if err := t.upsert(ctx, chunk); err == nil {
			result.Succeeded = len(chunk)
			return result
		} else if len(chunk) > 1 {
			log.Printf("store: batch write %s chunk of %d failed, retrying per item: %v", t.collection, len(chunk), err)
		}
	}

	for _, item := range chunk {
		var err error
		if t.capture {
			_, err = t.Put(ctx, item)
		} else {
			err = t.upsert(ctx, []T{item})
		}
		if err != nil {
			key := Key(item.StoreKey())
			log.Printf("store: batch write %s %s failed: %v", t.collection, key, err)
			result.Failed = append(result.Failed, BatchFailure{Key: key, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result
}

func (t *Table[T]) upsert(ctx context.Context, chunk []T) error {
	rows := make([]T, len(chunk))
	for i, item := range chunk {
		rows[i] = item.WithVersion(1)
	}
	keyCols := make([]clause.Column, len(t.keyColumns))
	for i, c := range t.keyColumns {
		keyCols[i] = clause.Column{Name: c}
	}
	assignments := clause.AssignmentColumns(t.dataCols)
	assignments = append(assignments, clause.Assignment{
		Column: clause.Column{Name: "version"},
		Value:  gorm.Expr(t.table + ".version + 1"),
	})
	return t.s.Retry.Do(ctx, func(ctx context.Context) error {
		return t.db(ctx).Clauses(clause.OnConflict{Columns: keyCols, DoUpdates: assignments}).Create(&rows).Error
	})
}

func (t *Table[T]) record(tx *gorm.DB, eventName string, key Key, before, after *T) error {
	if !t.capture {
		return nil
	}
	rec := ChangeRecord{
		EventID:    t.s.NewEventID(),
		Collection: t.collection,
		EventName:  eventName,
		Keys:       map[string]string(key),
		CreatedAt:  t.s.Now(),
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return err
		}
		rec.OldImage = string(b)
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return err
		}
		rec.NewImage = string(b)
	}
	return tx.Create(&rec).Error
}

// ErrInvalidPageToken is returned for continuation tokens not produced here.
var ErrInvalidPageToken = errors.New("invalid page token")

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
