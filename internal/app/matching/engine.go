// Package matching derives recommendation cards from newly created tasks and
// profiles.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/geo"
	"github.com/gigboard/project/internal/store"
)

// PageSize bounds each candidate read.
const PageSize = 20

// CandidateFinder yields pages of counterparts worth scoring. An empty
// NextPageToken ends the walk.
type CandidateFinder interface {
	ProfilesForTask(ctx context.Context, task contracts.Task, pageToken string) (store.Page[contracts.Profile], error)
	TasksForProfile(ctx context.Context, profile contracts.Profile, pageToken string) (store.Page[contracts.Task], error)
}

// ScanFinder walks the whole counterpart collection.
type ScanFinder struct {
	Profiles store.Collection[contracts.Profile]
	Tasks    store.Collection[contracts.Task]
	PageSize int
}

func (f ScanFinder) pageSize() int {
	if f.PageSize > 0 {
		return f.PageSize
	}
	return PageSize
}

func (f ScanFinder) ProfilesForTask(ctx context.Context, task contracts.Task, pageToken string) (store.Page[contracts.Profile], error) {
	filter := store.All(store.Eq("active", true), store.Neq("user_id", task.OwnerID))
	return f.Profiles.Scan(ctx, filter, f.pageSize(), pageToken)
}

func (f ScanFinder) TasksForProfile(ctx context.Context, profile contracts.Profile, pageToken string) (store.Page[contracts.Task], error) {
	filter := store.All(store.Eq("status", string(contracts.TaskActive)), store.Neq("user_id", profile.UserID))
	return f.Tasks.Scan(ctx, filter, f.pageSize(), pageToken)
}

// Result summarizes one matching run.
type Result struct {
	Pages   int
	Scored  int
	Matched int
	Written int
	Failed  []store.BatchFailure
}

type Engine struct {
	Finder CandidateFinder
	Cards  store.Collection[contracts.Card]
	Now    func() time.Time
}

func NewEngine(tables store.Tables) *Engine {
	return &Engine{
		Finder: ScanFinder{Profiles: tables.Profiles, Tasks: tables.Tasks},
		Cards:  tables.Cards,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnTaskCreated writes a NEW card for every active profile near the task.
func (e *Engine) OnTaskCreated(ctx context.Context, task contracts.Task) (Result, error) {
	var res Result
	if task.Status != contracts.TaskActive {
		return res, nil
	}
	token := ""
	for {
		page, err := e.Finder.ProfilesForTask(ctx, task, token)
		if err != nil {
			return res, fmt.Errorf("profiles for task %s: %w", task.ID, err)
		}
		res.Pages++

		cards := make([]contracts.Card, 0, len(page.Items))
		for _, p := range page.Items {
			if p.UserID == task.OwnerID {
				continue
			}
			res.Scored++
			d := geo.Between(p.Location, task.Location)
			if !geo.Matches(d) {
				continue
			}
			cards = append(cards, e.newCard(p.UserID, task, d))
		}
		e.flush(ctx, cards, &res)

		if page.NextPageToken == "" {
			return res, nil
		}
		token = page.NextPageToken
	}
}

// OnProfileCreated writes a NEW card for every active task near the profile.
func (e *Engine) OnProfileCreated(ctx context.Context, profile contracts.Profile) (Result, error) {
	var res Result
	token := ""
	for {
		page, err := e.Finder.TasksForProfile(ctx, profile, token)
		if err != nil {
			return res, fmt.Errorf("tasks for profile %s: %w", profile.UserID, err)
		}
		res.Pages++

		cards := make([]contracts.Card, 0, len(page.Items))
		for _, t := range page.Items {
			if t.OwnerID == profile.UserID || t.Status != contracts.TaskActive {
				continue
			}
			res.Scored++
			d := geo.Between(t.Location, profile.Location)
			if !geo.Matches(d) {
				continue
			}
			cards = append(cards, e.newCard(profile.UserID, t, d))
		}
		e.flush(ctx, cards, &res)

		if page.NextPageToken == "" {
			return res, nil
		}
		token = page.NextPageToken
	}
}

// OnTransactionCreated moves the worker's card out of the NEW feed once they
// applied or passed.
func (e *Engine) OnTransactionCreated(ctx context.Context, txn contracts.Transaction) (Result, error) {
	var res Result
	if txn.Type != contracts.TypeApplication || txn.WorkerID == "" {
		return res, nil
	}
	var status contracts.CardStatus
	switch txn.Status {
	case contracts.StatusApplied:
		status = contracts.CardApplied
	case contracts.StatusPassed:
		status = contracts.CardPassed
	default:
		return res, nil
	}

	card := contracts.Card{UserID: txn.WorkerID, TaskID: txn.TaskID, CustomerID: txn.CustomerID, Distance: geo.SentinelKm}
	existing, err := e.Cards.Get(ctx, store.Key(card.StoreKey()))
	switch {
	case err == nil:
		card = existing
	case !errors.Is(err, store.ErrNotFound):
		return res, fmt.Errorf("card %s/%s: %w", txn.WorkerID, txn.TaskID, err)
	}
	card.Status = status
	card.LastUpdatedAt = e.Now()

	e.flush(ctx, []contracts.Card{card}, &res)
	return res, nil
}

func (e *Engine) newCard(userID string, task contracts.Task, distance float64) contracts.Card {
	return contracts.Card{
		UserID:        userID,
		TaskID:        task.ID,
		CustomerID:    task.OwnerID,
		Category:      task.Category,
		Distance:      distance,
		Status:        contracts.CardNew,
		LastUpdatedAt: e.Now(),
	}
}

func (e *Engine) flush(ctx context.Context, cards []contracts.Card, res *Result) {
	if len(cards) == 0 {
		return
	}
	res.Matched += len(cards)
	if err := e.keepAnswered(ctx, cards); err != nil {
		log.Printf("matching: reading %d existing cards: %v", len(cards), err)
		for _, c := range cards {
			res.Failed = append(res.Failed, store.BatchFailure{Key: store.Key(c.StoreKey()), Err: err})
		}
		return
	}
	out := e.Cards.BatchWrite(ctx, cards)
	res.Written += out.Succeeded
	if len(out.Failed) > 0 {
		log.Printf("matching: %d of %d cards not written", len(out.Failed), len(cards))
		res.Failed = append(res.Failed, out.Failed...)
	}
}

// keepAnswered carries an APPLIED or PASSED status over to NEW cards written
// for the same key, so a redelivered insert does not reopen an answered card.
func (e *Engine) keepAnswered(ctx context.Context, cards []contracts.Card) error {
	keys := make([]store.Key, 0, len(cards))
	for _, c := range cards {
		if c.Status == contracts.CardNew {
			keys = append(keys, store.Key(c.StoreKey()))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	existing, err := e.Cards.BatchGet(ctx, keys)
	if err != nil {
		return err
	}
	for i, c := range cards {
		if c.Status != contracts.CardNew {
			continue
		}
		if prev, ok := existing[store.Key(c.StoreKey()).String()]; ok && prev.Status != contracts.CardNew {
			cards[i].Status = prev.Status
		}
	}
	return nil
}
