package notify

import (
	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/contracts"
)

// Planned is one notification derived from a change record.
type Planned struct {
	Type          contracts.NotificationType
	UserID        string
	SubjectID     string
	ObjectID      string
	TransactionID string
	Title         string
	Body          string
	// SenderID is resolved to a display name before the body is rendered.
	SenderID string
}

// Classify applies the notification table to a transaction change. The task
// is only used for its category and may be nil.
func Classify(ev cdc.Event[contracts.Transaction], task *contracts.Task) []Planned {
	category := ""
	if task != nil {
		category = task.Category
	}

	switch e := ev.(type) {
	case cdc.Insert[contracts.Transaction]:
		txn := e.After
		switch {
		case txn.Type == contracts.TypeApplication && txn.Status == contracts.StatusApplied:
			return []Planned{{
				Type:          contracts.NotifyNewApplication,
				UserID:        txn.CustomerID,
				SubjectID:     txn.WorkerID,
				ObjectID:      txn.TaskID,
				TransactionID: txn.ID,
				Title:         "New application for " + category + ".",
				Body:          "You have received a response for the " + category + " task you posted.",
			}}
		case txn.Type == contracts.TypeReferral && txn.Status == contracts.StatusInitiated:
			return []Planned{{
				Type:          contracts.NotifyNewReferral,
				UserID:        txn.CustomerID,
				SubjectID:     txn.ReferrerID,
				ObjectID:      txn.TaskID,
				TransactionID: txn.ID,
				Title:         "New Referral for " + category + ".",
				Body:          "You have received a new referral for " + category,
			}}
		}
	case cdc.Modify[contracts.Transaction]:
		return classifyModify(e.Before, e.After, category)
	}
	return nil
}

func classifyModify(before, after contracts.Transaction, category string) []Planned {
	var out []Planned
	if after.Type == contracts.TypeApplication &&
		before.Status == contracts.StatusApplied && after.Status == contracts.StatusApplicationAccepted {
		out = append(out, Planned{
			Type:          contracts.NotifyApplicationAccepted,
			UserID:        after.WorkerID,
			SubjectID:     after.CustomerID,
			ObjectID:      after.TaskID,
			TransactionID: after.ID,
			Title:         "It is a match.",
			Body:          "The customer accepted your response to the " + category + " task.You can now chat with the customer.",
		})
	}

	if after.Status == contracts.StatusTerminated && before.Status != contracts.StatusTerminated {
		counterpart := after.Counterpart()
		for _, pair := range [][2]string{{counterpart, after.CustomerID}, {after.CustomerID, counterpart}} {
			if pair[0] == "" {
				continue
			}
			out = append(out, Planned{
				Type:          contracts.NotifyTransactionTerminated,
				UserID:        pair[0],
				SubjectID:     pair[1],
				ObjectID:      after.TaskID,
				TransactionID: after.ID,
				Title:         "Conversation closed.",
				Body:          "The conversation about the " + category + " task has been closed.",
			})
		}
	}

	if after.LastMessage != before.LastMessage && after.ReceiverID != "" {
		about := ""
		if category != "" {
			about = " about " + category
		}
		out = append(out, Planned{
			Type:          contracts.NotifyMessage,
			UserID:        after.ReceiverID,
			SubjectID:     after.SenderID,
			ObjectID:      after.TaskID,
			TransactionID: after.ID,
			Title:         "New Message For " + roleOf(after, after.ReceiverID) + about + ".",
			Body:          after.LastMessage,
			SenderID:      after.SenderID,
		})
	}
	return out
}

func roleOf(txn contracts.Transaction, userID string) string {
	switch userID {
	case txn.ReferrerID:
		return "Referral"
	case txn.WorkerID:
		return "Worker"
	default:
		return "Customer"
	}
}
