package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, Tables) {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s, s.Tables()
}

func seedTransaction(t *testing.T, tables Tables, txn contracts.Transaction) contracts.Transaction {
	t.Helper()
	out, err := tables.Transactions.ConditionalPut(context.Background(), txn, NotExists())
	require.NoError(t, err)
	return out
}

func TestConditionalPut_NotExistsRejectsDuplicate(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()

	txn := contracts.Transaction{ID: "t1", TaskID: "task-1", CustomerID: "c1", WorkerID: "w1", Status: contracts.StatusApplied}
	first := seedTransaction(t, tables, txn)
	assert.Equal(t, int64(1), first.Version)

	_, err := tables.Transactions.ConditionalPut(ctx, txn, NotExists())
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestConditionalPut_PredicateOnExistingRow(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()

	task := contracts.Task{ID: "task-1", OwnerID: "u1", Status: contracts.TaskActive, Category: "plumbing"}
	_, err := tables.Tasks.Put(ctx, task)
	require.NoError(t, err)

	task.Category = "gardening"
	_, err = tables.Tasks.ConditionalPut(ctx, task, Eq("user_id", "someone-else"))
	assert.ErrorIs(t, err, ErrConditionFailed)

	updated, err := tables.Tasks.ConditionalPut(ctx, task, Eq("user_id", "u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := tables.Tasks.Get(ctx, Key{"id": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, "gardening", got.Category)
}

func TestConditionalUpdate(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	seedTransaction(t, tables, contracts.Transaction{ID: "t1", CustomerID: "c1", WorkerID: "w1", Status: contracts.StatusApplied})

	_, err := tables.Transactions.ConditionalUpdate(ctx, Key{"id": "missing"}, Mutation{"status": "rejected"}, Always())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"},
		Mutation{"status": string(contracts.StatusApplicationAccepted)},
		All(Eq("customer_id", "w1"), Eq("status", string(contracts.StatusApplied))))
	assert.ErrorIs(t, err, ErrConditionFailed)

	after, err := tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"},
		Mutation{"status": string(contracts.StatusApplicationAccepted)},
		All(Eq("customer_id", "c1"), Eq("status", string(contracts.StatusApplied))))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApplicationAccepted, after.Status)
	assert.Equal(t, int64(2), after.Version)

	// The guard no longer holds once the first writer committed.
	_, err = tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"},
		Mutation{"status": string(contracts.StatusRejected)},
		All(Eq("customer_id", "c1"), Eq("status", string(contracts.StatusApplied))))
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestConditionalUpdate_AnyOf(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	seedTransaction(t, tables, contracts.Transaction{ID: "t1", CustomerID: "c1", ReferrerID: "r1", Status: contracts.StatusInitiated})

	party := func(u string) Predicate {
		return AnyOf(Eq("customer_id", u), Eq("worker_id", u), Eq("referrer_id", u))
	}
	_, err := tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"}, Mutation{"last_message": "hi"}, party("stranger"))
	assert.ErrorIs(t, err, ErrConditionFailed)

	after, err := tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"}, Mutation{"last_message": "hi"},
		party("r1").And(NotIn("status", string(contracts.StatusTerminated))))
	require.NoError(t, err)
	assert.Equal(t, "hi", after.LastMessage)
}

func TestChangeLog_CapturesStreamedCollectionsOnly(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()

	seedTransaction(t, tables, contracts.Transaction{ID: "t1", CustomerID: "c1", WorkerID: "w1", Status: contracts.StatusApplied})
	_, err := tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"}, Mutation{"status": string(contracts.StatusWithdrawn)}, Eq("worker_id", "w1"))
	require.NoError(t, err)
	res := tables.Cards.BatchWrite(ctx, []contracts.Card{{UserID: "w1", TaskID: "task-1", Status: contracts.CardNew}})
	require.Equal(t, 1, res.Succeeded)

	pending, err := tables.Changes.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	insert := pending[0].Event()
	assert.Equal(t, contracts.EventInsert, insert.EventName)
	assert.Equal(t, contracts.CollectionTransaction, insert.Collection)
	assert.Empty(t, insert.Change.OldImage)
	assert.Equal(t, map[string]string{"id": "t1"}, insert.Change.Keys)

	modify := pending[1].Event()
	assert.Equal(t, contracts.EventModify, modify.EventName)
	var before, after contracts.Transaction
	require.NoError(t, json.Unmarshal(modify.Change.OldImage, &before))
	require.NoError(t, json.Unmarshal(modify.Change.NewImage, &after))
	assert.Equal(t, contracts.StatusApplied, before.Status)
	assert.Equal(t, contracts.StatusWithdrawn, after.Status)

	require.NoError(t, tables.Changes.MarkPublished(ctx, []uint64{pending[0].Seq, pending[1].Seq}))
	pending, err = tables.Changes.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScan_PaginatesUntilNoToken(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		_, err := tables.Profiles.Put(ctx, contracts.Profile{UserID: fmt.Sprintf("u%02d", i), Active: i%3 != 0})
		require.NoError(t, err)
	}

	var sizes []int
	total := 0
	token := ""
	for {
		page, err := tables.Profiles.Scan(ctx, Eq("active", true), 20, token)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Items))
		for _, p := range page.Items {
			assert.True(t, p.Active)
		}
		total += len(page.Items)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	assert.Equal(t, 30, total)
	assert.Equal(t, []int{20, 10}, sizes)
}

func TestScan_RejectsForeignToken(t *testing.T) {
	_, tables := newTestStore(t)
	_, err := tables.Profiles.Scan(context.Background(), Always(), 20, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestQuery_IndexOrderAndFilter(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	statuses := []contracts.TransactionStatus{
		contracts.StatusApplied, contracts.StatusTerminated, contracts.StatusApplicationAccepted, contracts.StatusRejected,
	}
	for i, st := range statuses {
		seedTransaction(t, tables, contracts.Transaction{
			ID:            fmt.Sprintf("t%d", i),
			CustomerID:    "c1",
			WorkerID:      fmt.Sprintf("w%d", i),
			Status:        st,
			LastUpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	seedTransaction(t, tables, contracts.Transaction{ID: "other", CustomerID: "c2", Status: contracts.StatusApplied})

	page, err := tables.Transactions.Query(ctx, QueryInput{
		Where:  Key{"customer_id": "c1"},
		Filter: NotIn("status", string(contracts.StatusTerminated), string(contracts.StatusRejected)),
		SortBy: "last_updated_at",
		Desc:   true,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "t2", page.Items[0].ID)
	assert.Equal(t, "t0", page.Items[1].ID)
	assert.Empty(t, page.NextPageToken)
}

func TestQuery_PageTokenSurvivesConcurrentUpdate(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedTransaction(t, tables, contracts.Transaction{
			ID:            fmt.Sprintf("t%d", i),
			CustomerID:    "c1",
			Status:        contracts.StatusApplied,
			LastUpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	in := QueryInput{Where: Key{"customer_id": "c1"}, SortBy: "last_updated_at", Desc: true, Limit: 2}

	first, err := tables.Transactions.Query(ctx, in)
	require.NoError(t, err)
	require.Equal(t, []string{"t4", "t3"}, transactionIDs(first.Items))
	require.NotEmpty(t, first.NextPageToken)

	// t1 jumps ahead of everything already returned.
	_, err = tables.Transactions.ConditionalUpdate(ctx, Key{"id": "t1"}, Mutation{"last_updated_at": base.Add(time.Hour)}, Always())
	require.NoError(t, err)

	in.PageToken = first.NextPageToken
	second, err := tables.Transactions.Query(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t0"}, transactionIDs(second.Items))
	assert.Empty(t, second.NextPageToken)
}

func TestQuery_TokenBoundToOrder(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tables.Profiles.Put(ctx, contracts.Profile{UserID: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}
	page, err := tables.Profiles.Scan(ctx, Always(), 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.NextPageToken)

	_, err = tables.Transactions.Query(ctx, QueryInput{Where: Key{"customer_id": "c1"}, SortBy: "last_updated_at", PageToken: page.NextPageToken})
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func transactionIDs(items []contracts.Transaction) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestBatchGet_OmitsMissingKeys(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := tables.Profiles.Put(ctx, contracts.Profile{UserID: id, Name: "name-" + id})
		require.NoError(t, err)
	}

	got, err := tables.Profiles.BatchGet(ctx, []Key{{"user_id": "a"}, {"user_id": "b"}, {"user_id": "zzz"}, {"user_id": "a"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "name-b", got["b"].Name)
	_, ok := got["zzz"]
	assert.False(t, ok)
}

func TestBatchWrite_ChunksAndUpserts(t *testing.T) {
	_, tables := newTestStore(t)
	ctx := context.Background()

	cards := make([]contracts.Card, 0, 60)
	for i := 0; i < 60; i++ {
		cards = append(cards, contracts.Card{UserID: "u1", TaskID: fmt.Sprintf("task-%02d", i), Status: contracts.CardNew, Distance: float64(i)})
	}
	res := tables.Cards.BatchWrite(ctx, cards)
	assert.Equal(t, 60, res.Succeeded)
	assert.Empty(t, res.Failed)

	cards[0].Status = contracts.CardPassed
	res = tables.Cards.BatchWrite(ctx, cards[:1])
	assert.Equal(t, 1, res.Succeeded)

	got, err := tables.Cards.Get(ctx, Key{"user_id": "u1", "task_id": "task-00"})
	require.NoError(t, err)
	assert.Equal(t, contracts.CardPassed, got.Status)
	assert.Equal(t, int64(2), got.Version)

	page, err := tables.Cards.Query(ctx, QueryInput{Where: Key{"user_id": "u1", "status": string(contracts.CardNew)}, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, page.Items, 59)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "abc", Key{"id": "abc"}.String())
	assert.Equal(t, "task_id=t#user_id=u", Key{"user_id": "u", "task_id": "t"}.String())
}
