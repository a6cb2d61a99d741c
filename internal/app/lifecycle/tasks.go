package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/geo"
	"github.com/gigboard/project/internal/store"
)

// TaskInput carries the caller-editable task fields. Nil fields are left
// unchanged on update.
type TaskInput struct {
	Title         *string             `json:"title,omitempty"`
	Category      *string             `json:"category,omitempty"`
	Description   *string             `json:"description,omitempty"`
	Location      *contracts.Location `json:"location,omitempty"`
	Price         *float64            `json:"price,omitempty"`
	PriceUnit     *string             `json:"priceUnit,omitempty"`
	City          *string             `json:"city,omitempty"`
	StateProvince *string             `json:"stateProvince,omitempty"`
	Country       *string             `json:"country,omitempty"`
	ValidTill     *time.Time          `json:"validTill,omitempty"`
}

func (in TaskInput) apply(task *contracts.Task) {
	if in.Title != nil {
		task.Title = strings.TrimSpace(*in.Title)
	}
	if in.Category != nil {
		task.Category = strings.TrimSpace(*in.Category)
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Location != nil {
		loc := *in.Location
		task.Location = &loc
	}
	if in.Price != nil {
		task.Price = *in.Price
	}
	if in.PriceUnit != nil {
		task.PriceUnit = *in.PriceUnit
	}
	if in.City != nil {
		task.City = *in.City
	}
	if in.StateProvince != nil {
		task.StateProvince = *in.StateProvince
	}
	if in.Country != nil {
		task.Country = *in.Country
	}
	if in.ValidTill != nil {
		v := in.ValidTill.UTC()
		task.ValidTill = &v
	}
}

func validateTask(task contracts.Task) error {
	if task.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidInput)
	}
	if task.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	if task.Location != nil && !geo.Valid(task.Location.Latitude, task.Location.Longitude) {
		return fmt.Errorf("%w: location out of range", ErrInvalidInput)
	}
	return nil
}

func (s *Service) CreateTask(ctx context.Context, ownerID string, in TaskInput) (contracts.Task, error) {
	if strings.TrimSpace(ownerID) == "" {
		return contracts.Task{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	now := s.Now()
	task := contracts.Task{
		ID:            s.NewID(),
		OwnerID:       ownerID,
		Status:        contracts.TaskActive,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	in.apply(&task)
	if err := validateTask(task); err != nil {
		return contracts.Task{}, err
	}

	out, err := s.Tasks.ConditionalPut(ctx, task, store.NotExists())
	if err != nil {
		return contracts.Task{}, storeErr("task "+task.ID, err)
	}
	return out, nil
}

// UpdateTask merges in into the stored task. Only the owner may edit it.
func (s *Service) UpdateTask(ctx context.Context, taskID, userID string, in TaskInput) (contracts.Task, error) {
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return contracts.Task{}, storeErr("task "+taskID, err)
	}
	if task.OwnerID != userID {
		return contracts.Task{}, fmt.Errorf("%w: task %s", ErrUnauthorized, taskID)
	}
	in.apply(&task)
	task.LastUpdatedAt = s.Now()
	if err := validateTask(task); err != nil {
		return contracts.Task{}, err
	}

	out, err := s.Tasks.ConditionalPut(ctx, task, store.Eq("user_id", userID))
	if errors.Is(err, store.ErrConditionFailed) {
		return contracts.Task{}, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidState, taskID)
	}
	if err != nil {
		return contracts.Task{}, storeErr("task "+taskID, err)
	}
	return out, nil
}

// DeleteTask deactivates the task. Existing transactions are left alone.
func (s *Service) DeleteTask(ctx context.Context, taskID, userID string) (contracts.Task, error) {
	out, err := s.Tasks.ConditionalUpdate(ctx, store.Key{"id": taskID}, store.Mutation{
		"status":          string(contracts.TaskInactive),
		"last_updated_at": s.Now(),
	}, store.Eq("user_id", userID))
	if errors.Is(err, store.ErrConditionFailed) {
		return contracts.Task{}, fmt.Errorf("%w: task %s", ErrUnauthorized, taskID)
	}
	if err != nil {
		return contracts.Task{}, storeErr("task "+taskID, err)
	}
	return out, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return contracts.Task{}, storeErr("task "+taskID, err)
	}
	return task, nil
}

// ListOwnTasks pages the caller's active tasks, newest first.
func (s *Service) ListOwnTasks(ctx context.Context, userID string, limit int, pageToken string) (store.Page[contracts.Task], error) {
	page, err := s.Tasks.Query(ctx, store.QueryInput{
		Where:     store.Key{"user_id": userID},
		Filter:    store.Eq("status", string(contracts.TaskActive)),
		SortBy:    "created_at",
		Desc:      true,
		Limit:     limit,
		PageToken: pageToken,
	})
	if errors.Is(err, store.ErrInvalidPageToken) {
		return store.Page[contracts.Task]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return store.Page[contracts.Task]{}, storeErr("tasks of "+userID, err)
	}
	return page, nil
}

// TaskView is a marketplace listing: the task with its owner's public profile.
type TaskView struct {
	contracts.Task
	Owner *PartyView `json:"owner,omitempty"`
}

// BrowseTasks pages other users' active tasks and joins each owner's profile.
func (s *Service) BrowseTasks(ctx context.Context, userID string, limit int, pageToken string) (ViewPage[TaskView], error) {
	page, err := s.Tasks.Scan(ctx, store.All(
		store.Eq("status", string(contracts.TaskActive)),
		store.Neq("user_id", userID),
	), limit, pageToken)
	if errors.Is(err, store.ErrInvalidPageToken) {
		return ViewPage[TaskView]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return ViewPage[TaskView]{}, storeErr("browse tasks", err)
	}

	ownerKeys := make([]store.Key, 0, len(page.Items))
	for _, task := range page.Items {
		ownerKeys = append(ownerKeys, store.Key{"user_id": task.OwnerID})
	}
	_, owners, err := s.fetchJoin(ctx, nil, ownerKeys)
	if err != nil {
		return ViewPage[TaskView]{}, err
	}

	views := make([]TaskView, 0, len(page.Items))
	for _, task := range page.Items {
		p, ok := owners[task.OwnerID]
		views = append(views, TaskView{Task: task, Owner: partyView(p, ok)})
	}
	return ViewPage[TaskView]{Items: views, NextPageToken: page.NextPageToken}, nil
}
