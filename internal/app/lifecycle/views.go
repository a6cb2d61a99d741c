package lifecycle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/store"
	"golang.org/x/sync/errgroup"
)

// PartyView is the public slice of a profile shown next to a transaction.
type PartyView struct {
	UserID   string              `json:"userId"`
	Name     string              `json:"name"`
	PhotoKey string              `json:"photoKey,omitempty"`
	Location *contracts.Location `json:"location,omitempty"`
}

type TransactionView struct {
	contracts.Transaction
	Task     *contracts.Task `json:"task,omitempty"`
	Customer *PartyView      `json:"customer,omitempty"`
	Worker   *PartyView      `json:"worker,omitempty"`
	Referrer *PartyView      `json:"referrer,omitempty"`
}

type CardView struct {
	contracts.Card
	Task     *contracts.Task `json:"task,omitempty"`
	Customer *PartyView      `json:"customer,omitempty"`
}

type ViewPage[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

func partyView(p contracts.Profile, ok bool) *PartyView {
	if !ok {
		return nil
	}
	return &PartyView{UserID: p.UserID, Name: p.Name, PhotoKey: p.PhotoKey, Location: p.Location}
}

// customerCursor tracks the two index reads behind the customer listing.
type customerCursor struct {
	Customer     string `json:"c,omitempty"`
	Referrer     string `json:"r,omitempty"`
	CustomerDone bool   `json:"cd,omitempty"`
	ReferrerDone bool   `json:"rd,omitempty"`
}

func decodeCursor(token string) (customerCursor, error) {
	var c customerCursor
	if token == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidInput, store.ErrInvalidPageToken)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidInput, store.ErrInvalidPageToken)
	}
	return c, nil
}

func (c customerCursor) encode() string {
	if c.CustomerDone && c.ReferrerDone {
		return ""
	}
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// QueryTransactionsForUser lists the caller's live transactions for the given
// persona, newest activity first, joined with tasks and party profiles.
func (s *Service) QueryTransactionsForUser(ctx context.Context, userID string, persona contracts.Persona, limit int, pageToken string) (ViewPage[TransactionView], error) {
	var (
		txns []contracts.Transaction
		next string
	)
	switch persona {
	case contracts.PersonaCustomer:
		cursor, err := decodeCursor(pageToken)
		if err != nil {
			return ViewPage[TransactionView]{}, err
		}
		if !cursor.CustomerDone {
			page, err := s.queryTransactions(ctx, "customer_id", userID, store.NotIn("status",
				string(contracts.StatusTerminated), string(contracts.StatusRejected), string(contracts.StatusPassed)), limit, cursor.Customer)
			if err != nil {
				return ViewPage[TransactionView]{}, err
			}
			txns = append(txns, page.Items...)
			cursor.Customer, cursor.CustomerDone = page.NextPageToken, page.NextPageToken == ""
		}
		if !cursor.ReferrerDone {
			page, err := s.queryTransactions(ctx, "referrer_id", userID,
				store.Eq("status", string(contracts.StatusRequestAccepted)), limit, cursor.Referrer)
			if err != nil {
				return ViewPage[TransactionView]{}, err
			}
			txns = append(txns, page.Items...)
			cursor.Referrer, cursor.ReferrerDone = page.NextPageToken, page.NextPageToken == ""
		}
		next = cursor.encode()
	case contracts.PersonaWorker:
		page, err := s.queryTransactions(ctx, "worker_id", userID, store.NotIn("status",
			string(contracts.StatusTerminated), string(contracts.StatusRejected),
			string(contracts.StatusApplied), string(contracts.StatusPassed)), limit, pageToken)
		if err != nil {
			return ViewPage[TransactionView]{}, err
		}
		txns, next = page.Items, page.NextPageToken
	default:
		return ViewPage[TransactionView]{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidInput, persona)
	}

	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].LastUpdatedAt.After(txns[j].LastUpdatedAt)
	})
	views, err := s.join(ctx, txns)
	if err != nil {
		return ViewPage[TransactionView]{}, err
	}
	return ViewPage[TransactionView]{Items: views, NextPageToken: next}, nil
}

// ListApplicants returns the task's responses for its owner. Passes are
// hidden.
func (s *Service) ListApplicants(ctx context.Context, taskID, ownerID string, limit int, pageToken string) (ViewPage[TransactionView], error) {
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return ViewPage[TransactionView]{}, storeErr("task "+taskID, err)
	}
	if task.OwnerID != ownerID {
		return ViewPage[TransactionView]{}, fmt.Errorf("%w: task %s", ErrUnauthorized, taskID)
	}
	page, err := s.queryTransactions(ctx, "task_id", taskID, store.Neq("status", string(contracts.StatusPassed)), limit, pageToken)
	if err != nil {
		return ViewPage[TransactionView]{}, err
	}
	views, err := s.join(ctx, page.Items)
	if err != nil {
		return ViewPage[TransactionView]{}, err
	}
	return ViewPage[TransactionView]{Items: views, NextPageToken: page.NextPageToken}, nil
}

func (s *Service) queryTransactions(ctx context.Context, column, value string, filter store.Predicate, limit int, pageToken string) (store.Page[contracts.Transaction], error) {
	page, err := s.Transactions.Query(ctx, store.QueryInput{
		Where:     store.Key{column: value},
		Filter:    filter,
		SortBy:    "last_updated_at",
		Desc:      true,
		Limit:     limit,
		PageToken: pageToken,
	})
	if errors.Is(err, store.ErrInvalidPageToken) {
		return page, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return page, storeErr("transactions by "+column, err)
	}
	return page, nil
}

// join resolves tasks and profiles for txns with two concurrent batch reads
// over the deduplicated ids.
func (s *Service) join(ctx context.Context, txns []contracts.Transaction) ([]TransactionView, error) {
	taskKeys := make([]store.Key, 0, len(txns))
	userKeys := make([]store.Key, 0, len(txns)*2)
	for _, txn := range txns {
		taskKeys = append(taskKeys, store.Key{"id": txn.TaskID})
		for _, id := range []string{txn.CustomerID, txn.WorkerID, txn.ReferrerID} {
			if id != "" {
				userKeys = append(userKeys, store.Key{"user_id": id})
			}
		}
	}

	tasks, profiles, err := s.fetchJoin(ctx, taskKeys, userKeys)
	if err != nil {
		return nil, err
	}

	views := make([]TransactionView, 0, len(txns))
	for _, txn := range txns {
		v := TransactionView{Transaction: txn}
		if task, ok := tasks[txn.TaskID]; ok {
			v.Task = &task
		}
		if txn.CustomerID != "" {
			p, ok := profiles[txn.CustomerID]
			v.Customer = partyView(p, ok)
		}
		if txn.WorkerID != "" {
			p, ok := profiles[txn.WorkerID]
			v.Worker = partyView(p, ok)
		}
		if txn.ReferrerID != "" {
			p, ok := profiles[txn.ReferrerID]
			v.Referrer = partyView(p, ok)
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) fetchJoin(ctx context.Context, taskKeys, userKeys []store.Key) (map[string]contracts.Task, map[string]contracts.Profile, error) {
	var (
		tasks    map[string]contracts.Task
		profiles map[string]contracts.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = s.Tasks.BatchGet(gctx, taskKeys)
		return err
	})
	g.Go(func() error {
		var err error
		profiles, err = s.Profiles.BatchGet(gctx, userKeys)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("%w: join: %v", ErrDependencyUnavailable, err)
	}
	return tasks, profiles, nil
}

// ListCards pages the user's unanswered match cards.
func (s *Service) ListCards(ctx context.Context, userID string, limit int, pageToken string) (ViewPage[CardView], error) {
	page, err := s.Cards.Query(ctx, store.QueryInput{
		Where:     store.Key{"user_id": userID, "status": string(contracts.CardNew)},
		SortBy:    "distance",
		Limit:     limit,
		PageToken: pageToken,
	})
	if errors.Is(err, store.ErrInvalidPageToken) {
		return ViewPage[CardView]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return ViewPage[CardView]{}, storeErr("cards of "+userID, err)
	}

	taskKeys := make([]store.Key, 0, len(page.Items))
	userKeys := make([]store.Key, 0, len(page.Items))
	for _, c := range page.Items {
		taskKeys = append(taskKeys, store.Key{"id": c.TaskID})
		if c.CustomerID != "" {
			userKeys = append(userKeys, store.Key{"user_id": c.CustomerID})
		}
	}
	tasks, profiles, err := s.fetchJoin(ctx, taskKeys, userKeys)
	if err != nil {
		return ViewPage[CardView]{}, err
	}

	views := make([]CardView, 0, len(page.Items))
	for _, c := range page.Items {
		v := CardView{Card: c}
		if task, ok := tasks[c.TaskID]; ok {
			v.Task = &task
		}
		if p, ok := profiles[c.CustomerID]; ok {
			v.Customer = partyView(p, true)
		}
		views = append(views, v)
	}
	return ViewPage[CardView]{Items: views, NextPageToken: page.NextPageToken}, nil
}
