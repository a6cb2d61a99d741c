// Package notify turns transaction changes into audit rows and push
// notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/platform/expo"
	"github.com/gigboard/project/internal/platform/metrics"
	"github.com/gigboard/project/internal/store"
	"github.com/gofrs/uuid"
)

var notificationsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "notifications_total",
	Help: "Notifications handled by the dispatcher, by type and outcome.",
}, []string{"type", "outcome"})

func init() {
	metrics.Default.MustRegister(notificationsTotal)
}

type Pusher interface {
	Send(ctx context.Context, msgs []expo.Message) (expo.Report, error)
}

// Claimer dedups side effects across redeliveries.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Dispatcher struct {
	Tasks         store.Collection[contracts.Task]
	Profiles      store.Collection[contracts.Profile]
	Notifications store.Collection[contracts.Notification]
	Push          Pusher
	Claims        Claimer
	Now           func() time.Time
	Debug         bool
}

func NewDispatcher(tables store.Tables, push Pusher, claims Claimer) *Dispatcher {
	return &Dispatcher{
		Tasks:         tables.Tasks,
		Profiles:      tables.Profiles,
		Notifications: tables.Notifications,
		Push:          push,
		Claims:        claims,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Outcome of a single planned notification.
const (
	OutcomeSent      = "sent"
	OutcomeDuplicate = "duplicate"
	OutcomeNoProfile = "no_profile"
	OutcomeNoToken   = "no_token"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "push_failed"
)

type Delivery struct {
	Planned
	Key     string
	Outcome string
}

type Report struct {
	Deliveries []Delivery
}

func (r Report) Count(outcome string) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Router() cdc.Router {
	return cdc.Router{
		contracts.CollectionTransaction: func(ctx context.Context, ev contracts.ChangeEvent) error {
			_, err := d.HandleTransaction(ctx, ev)
			return err
		},
		contracts.CollectionTask: d.handleTask,
	}
}

// handleTask has no rules to apply; task changes are only traced.
func (d *Dispatcher) handleTask(_ context.Context, ev contracts.ChangeEvent) error {
	if d.Debug {
		log.Printf("notify: task %s %v no notification", ev.EventName, ev.Change.Keys)
	}
	return nil
}

// HandleTransaction classifies one change and delivers each resulting
// notification in order. Only failures to record the audit row are returned;
// delivery problems are logged and reported.
func (d *Dispatcher) HandleTransaction(ctx context.Context, raw contracts.ChangeEvent) (Report, error) {
	var report Report
	ev, err := cdc.Decode[contracts.Transaction](raw)
	if err != nil {
		return report, err
	}
	if _, ok := ev.(cdc.Remove[contracts.Transaction]); ok {
		return report, nil
	}

	task := d.task(ctx, ev)
	for _, p := range Classify(ev, task) {
		outcome, key, err := d.deliver(ctx, raw.EventID, p)
		notificationsTotal.WithLabelValues(string(p.Type), outcomeLabel(outcome, err)).Inc()
		if err != nil {
			return report, err
		}
		report.Deliveries = append(report.Deliveries, Delivery{Planned: p, Key: key, Outcome: outcome})
	}
	return report, nil
}

func outcomeLabel(outcome string, err error) string {
	if err != nil {
		return "audit_failed"
	}
	return outcome
}

func (d *Dispatcher) task(ctx context.Context, ev cdc.Event[contracts.Transaction]) *contracts.Task {
	var taskID string
	switch e := ev.(type) {
	case cdc.Insert[contracts.Transaction]:
		taskID = e.After.TaskID
	case cdc.Modify[contracts.Transaction]:
		taskID = e.After.TaskID
	}
	if taskID == "" {
		return nil
	}
	task, err := d.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		log.Printf("notify: task %s unavailable: %v", taskID, err)
		return nil
	}
	return &task
}

// Key identifies one notification of one change record.
func Key(eventID string, typ contracts.NotificationType, userID string) string {
	return fmt.Sprintf("notify:%s:%s:%s", eventID, typ, userID)
}

var auditNamespace = uuid.Must(uuid.FromString("8d3c8a5e-0f51-4c0c-b3a5-2f8a4c1e7b90"))

func (d *Dispatcher) deliver(ctx context.Context, eventID string, p Planned) (string, string, error) {
	key := Key(eventID, p.Type, p.UserID)

	if d.Claims != nil {
		claimed, err := d.Claims.Claim(ctx, key)
		if err != nil {
			log.Printf("notify: %v, continuing without dedup", err)
			claimed = true
		}
		if !claimed {
			return OutcomeDuplicate, key, nil
		}
	}

	audit := contracts.Notification{
		ID:            uuid.NewV5(auditNamespace, key).String(),
		DateTime:      d.Now(),
		UserID:        p.UserID,
		Type:          p.Type,
		SubjectID:     p.SubjectID,
		ObjectID:      p.ObjectID,
		TransactionID: p.TransactionID,
	}
	if _, err := d.Notifications.ConditionalPut(ctx, audit, store.NotExists()); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return OutcomeDuplicate, key, nil
		}
		if d.Claims != nil {
			if relErr := d.Claims.Release(ctx, key); relErr != nil {
				log.Printf("notify: %v", relErr)
			}
		}
		return "", key, fmt.Errorf("audit %s: %w", key, err)
	}

	profile, err := d.Profiles.Get(ctx, store.Key{"user_id": p.UserID})
	if err != nil {
		log.Printf("notify: %s for %s not pushed, profile: %v", p.Type, p.UserID, err)
		return OutcomeNoProfile, key, nil
	}
	if profile.NotificationToken == "" {
		return OutcomeNoToken, key, nil
	}

	body := p.Body
	if p.Type == contracts.NotifyMessage {
		body = d.senderName(ctx, p.SenderID) + ": " + p.Body
	}

	report, err := d.Push.Send(ctx, []expo.Message{{
		To:    profile.NotificationToken,
		Title: p.Title,
		Body:  body,
		Data: map[string]any{
			"transactionId":    p.TransactionID,
			"notificationType": string(p.Type),
		},
		Sound: &expo.Sound{Critical: true, Volume: 1},
		Badge: 1,
	}})
	if err != nil {
		log.Printf("notify: push %s to %s failed: %v", p.Type, p.UserID, err)
		return OutcomeFailed, key, nil
	}
	if rejected := report.Rejected(); len(rejected) > 0 {
		t := rejected[0].Ticket
		log.Printf("notify: push %s to %s rejected: %s %s", p.Type, p.UserID, t.Details.Error, t.Message)
		return OutcomeRejected, key, nil
	}
	return OutcomeSent, key, nil
}

func (d *Dispatcher) senderName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	profile, err := d.Profiles.Get(ctx, store.Key{"user_id": userID})
	if err != nil {
		log.Printf("notify: sender %s: %v", userID, err)
		return ""
	}
	return profile.Name
}
