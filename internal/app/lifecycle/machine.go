// Package lifecycle owns tasks and the transaction state machine. Every
// transition is a single conditional write; the guard lives in the database
// statement, so concurrent callers cannot both win.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/store"
	"github.com/gofrs/uuid"
)

type Operation string

const (
	OpWithdraw          Operation = "withdraw"
	OpAccept            Operation = "accept"
	OpReject            Operation = "reject"
	OpAcceptRequest     Operation = "acceptRequest"
	OpRejectRequest     Operation = "rejectRequest"
	OpUpdateLastMessage Operation = "updateLastMessage"
	OpDelete            Operation = "delete"
)

type party int

const (
	byCustomer party = iota
	byWorker
	byAnyParty
)

func (p party) predicate(userID string) store.Predicate {
	switch p {
	case byCustomer:
		return store.Eq("customer_id", userID)
	case byWorker:
		return store.Eq("worker_id", userID)
	default:
		return store.AnyOf(
			store.Eq("customer_id", userID),
			store.Eq("worker_id", userID),
			store.Eq("referrer_id", userID),
		)
	}
}

func (p party) allows(txn contracts.Transaction, userID string) bool {
	switch p {
	case byCustomer:
		return userID == txn.CustomerID
	case byWorker:
		return userID != "" && userID == txn.WorkerID
	default:
		return txn.Party(userID)
	}
}

type transition struct {
	from  []contracts.TransactionStatus
	types []contracts.TransactionType
	by    party
	to    contracts.TransactionStatus // empty keeps the status
}

var nonTerminal = func() []contracts.TransactionStatus {
	var out []contracts.TransactionStatus
	for _, s := range contracts.TransactionStatuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}()

var requestTypes = []contracts.TransactionType{contracts.TypeReferral, contracts.TypeRequestForGig}

var transitions = map[Operation]transition{
	OpWithdraw:          {from: nonTerminal, by: byWorker, to: contracts.StatusWithdrawn},
	OpAccept:            {from: []contracts.TransactionStatus{contracts.StatusApplied}, by: byCustomer, to: contracts.StatusApplicationAccepted},
	OpReject:            {from: []contracts.TransactionStatus{contracts.StatusApplied}, by: byCustomer, to: contracts.StatusRejected},
	OpAcceptRequest:     {from: []contracts.TransactionStatus{contracts.StatusInitiated}, types: requestTypes, by: byCustomer, to: contracts.StatusRequestAccepted},
	OpRejectRequest:     {from: []contracts.TransactionStatus{contracts.StatusInitiated}, types: requestTypes, by: byCustomer, to: contracts.StatusRejected},
	OpUpdateLastMessage: {from: nonTerminal, by: byAnyParty},
	OpDelete:            {from: nonTerminal, by: byAnyParty, to: contracts.StatusTerminated},
}

// Allowed reports whether op may run against txn on behalf of userID.
func Allowed(op Operation, txn contracts.Transaction, userID string) error {
	tr, ok := transitions[op]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, op)
	}
	if !tr.by.allows(txn, userID) {
		return fmt.Errorf("%w: %s on transaction %s", ErrUnauthorized, op, txn.ID)
	}
	if !containsStatus(tr.from, txn.Status) || (len(tr.types) > 0 && !containsType(tr.types, txn.Type)) {
		return fmt.Errorf("%w: %s on %s %s transaction %s", ErrInvalidState, op, txn.Status, txn.Type, txn.ID)
	}
	return nil
}

func (tr transition) guard(userID string) store.Predicate {
	from := make([]any, len(tr.from))
	for i, s := range tr.from {
		from[i] = string(s)
	}
	cond := store.All(tr.by.predicate(userID), store.In("status", from...))
	if len(tr.types) > 0 {
		types := make([]any, len(tr.types))
		for i, t := range tr.types {
			types[i] = string(t)
		}
		cond = cond.And(store.In("type", types...))
	}
	return cond
}

type Service struct {
	Tasks        store.Collection[contracts.Task]
	Transactions store.Collection[contracts.Transaction]
	Profiles     store.Collection[contracts.Profile]
	Cards        store.Collection[contracts.Card]
	Now          func() time.Time
	NewID        func() string
}

func NewService(tables store.Tables) *Service {
	return &Service{
		Tasks:        tables.Tasks,
		Transactions: tables.Transactions,
		Profiles:     tables.Profiles,
		Cards:        tables.Cards,
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        func() string { return uuid.Must(uuid.NewV4()).String() },
	}
}

// pairNamespace scopes deterministic ids for (task, worker) transactions.
var pairNamespace = uuid.Must(uuid.FromString("5b8f3f0e-3c1d-4a8e-9a51-6f4f2f7d9c21"))

// PairID is the id of the single transaction allowed per (task, worker).
func PairID(taskID, workerID string) string {
	return uuid.NewV5(pairNamespace, taskID+"/"+workerID).String()
}

func txnKey(id string) store.Key { return store.Key{"id": id} }

// run applies op as one conditional update and classifies a failed guard by
// re-reading the row.
func (s *Service) run(ctx context.Context, op Operation, txnID, userID string, extra store.Mutation) (contracts.Transaction, error) {
	if strings.TrimSpace(txnID) == "" || strings.TrimSpace(userID) == "" {
		return contracts.Transaction{}, fmt.Errorf("%w: transaction id and caller are required", ErrInvalidInput)
	}
	tr := transitions[op]

	set := store.Mutation{"last_updated_at": s.Now()}
	if tr.to != "" {
		set["status"] = string(tr.to)
	}
	for k, v := range extra {
		set[k] = v
	}

	after, err := s.Transactions.ConditionalUpdate(ctx, txnKey(txnID), set, tr.guard(userID))
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		return contracts.Transaction{}, storeErr("transaction "+txnID, err)
	}

	current, getErr := s.Transactions.Get(ctx, txnKey(txnID))
	if getErr != nil {
		return contracts.Transaction{}, storeErr("transaction "+txnID, getErr)
	}
	if allowErr := Allowed(op, current, userID); allowErr != nil {
		return contracts.Transaction{}, allowErr
	}
	// The row moved on between the write and the re-read.
	return contracts.Transaction{}, fmt.Errorf("%w: %s on transaction %s lost a concurrent update", ErrInvalidState, op, txnID)
}

func (s *Service) Withdraw(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpWithdraw, txnID, userID, nil)
}

func (s *Service) Accept(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpAccept, txnID, userID, nil)
}

func (s *Service) Reject(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpReject, txnID, userID, nil)
}

func (s *Service) AcceptRequest(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpAcceptRequest, txnID, userID, nil)
}

func (s *Service) RejectRequest(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpRejectRequest, txnID, userID, nil)
}

// Delete terminates the transaction; rows are never removed.
func (s *Service) Delete(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	return s.run(ctx, OpDelete, txnID, userID, nil)
}

type MessageInput struct {
	Text       string `json:"lastMessage"`
	ReceiverID string `json:"receiverId,omitempty"`
	Read       bool   `json:"lastMessageRead,omitempty"`
}

// UpdateLastMessage records the latest chat message. Without an explicit
// receiver the message goes to the sender's counterpart.
func (s *Service) UpdateLastMessage(ctx context.Context, txnID, userID string, in MessageInput) (contracts.Transaction, error) {
	if strings.TrimSpace(in.Text) == "" {
		return contracts.Transaction{}, fmt.Errorf("%w: message text is required", ErrInvalidInput)
	}
	current, err := s.Transactions.Get(ctx, txnKey(txnID))
	if err != nil {
		return contracts.Transaction{}, storeErr("transaction "+txnID, err)
	}
	if err := Allowed(OpUpdateLastMessage, current, userID); err != nil {
		return contracts.Transaction{}, err
	}

	receiver := in.ReceiverID
	if receiver == "" {
		if userID == current.CustomerID {
			receiver = current.Counterpart()
		} else {
			receiver = current.CustomerID
		}
	}
	if receiver == userID || !current.Party(receiver) {
		return contracts.Transaction{}, fmt.Errorf("%w: receiver %q is not a counterpart", ErrInvalidInput, receiver)
	}

	return s.run(ctx, OpUpdateLastMessage, txnID, userID, store.Mutation{
		"last_message":      in.Text,
		"sender_id":         userID,
		"receiver_id":       receiver,
		"last_message_read": in.Read,
	})
}

// Apply creates the worker's application for an active task. A worker gets
// one transaction per task: after a pass, withdrawal or rejection the
// existing row blocks a new application.
func (s *Service) Apply(ctx context.Context, taskID, workerID string) (contracts.Transaction, error) {
	return s.createPair(ctx, taskID, workerID, contracts.StatusApplied, true)
}

// Pass records that the worker swiped the task away.
func (s *Service) Pass(ctx context.Context, taskID, workerID string) (contracts.Transaction, error) {
	return s.createPair(ctx, taskID, workerID, contracts.StatusPassed, false)
}

func (s *Service) createPair(ctx context.Context, taskID, workerID string, status contracts.TransactionStatus, requireActive bool) (contracts.Transaction, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(workerID) == "" {
		return contracts.Transaction{}, fmt.Errorf("%w: task id and worker id are required", ErrInvalidInput)
	}
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return contracts.Transaction{}, storeErr("task "+taskID, err)
	}
	if task.OwnerID == workerID {
		return contracts.Transaction{}, fmt.Errorf("%w: owner cannot respond to own task %s", ErrInvalidState, taskID)
	}
	if requireActive && task.Status != contracts.TaskActive {
		return contracts.Transaction{}, fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
	}
	if err := s.ensureNoPair(ctx, taskID, workerID); err != nil {
		return contracts.Transaction{}, err
	}

	now := s.Now()
	txn := contracts.Transaction{
		ID:            PairID(taskID, workerID),
		Type:          contracts.TypeApplication,
		TaskID:        taskID,
		CustomerID:    task.OwnerID,
		WorkerID:      workerID,
		Status:        status,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	return s.insert(ctx, txn)
}

func (s *Service) ensureNoPair(ctx context.Context, taskID, workerID string) error {
	page, err := s.Transactions.Query(ctx, store.QueryInput{
		Where: store.Key{"task_id": taskID, "worker_id": workerID},
		Limit: 1,
	})
	if err != nil {
		return storeErr("transactions for task "+taskID, err)
	}
	if len(page.Items) > 0 {
		existing := page.Items[0]
		return fmt.Errorf("%w: worker %s already has %s transaction %s for task %s", ErrInvalidState, workerID, existing.Status, existing.ID, taskID)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, txn contracts.Transaction) (contracts.Transaction, error) {
	out, err := s.Transactions.ConditionalPut(ctx, txn, store.NotExists())
	if errors.Is(err, store.ErrConditionFailed) {
		return contracts.Transaction{}, fmt.Errorf("%w: transaction %s already exists", ErrInvalidState, txn.ID)
	}
	if err != nil {
		return contracts.Transaction{}, storeErr("transaction "+txn.ID, err)
	}
	return out, nil
}

// CreateReferral lets a third party refer the task owner to a worker. The
// worker is optional; when named it joins the transaction as a party.
func (s *Service) CreateReferral(ctx context.Context, taskID, referrerID, workerID string) (contracts.Transaction, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(referrerID) == "" {
		return contracts.Transaction{}, fmt.Errorf("%w: task id and referrer id are required", ErrInvalidInput)
	}
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return contracts.Transaction{}, storeErr("task "+taskID, err)
	}
	if task.Status != contracts.TaskActive {
		return contracts.Transaction{}, fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
	}
	if task.OwnerID == referrerID {
		return contracts.Transaction{}, fmt.Errorf("%w: owner cannot refer own task %s", ErrInvalidState, taskID)
	}
	if workerID != "" {
		if workerID == task.OwnerID || workerID == referrerID {
			return contracts.Transaction{}, fmt.Errorf("%w: referred worker must differ from owner and referrer", ErrInvalidInput)
		}
		if err := s.ensureNoPair(ctx, taskID, workerID); err != nil {
			return contracts.Transaction{}, err
		}
	}

	now := s.Now()
	return s.insert(ctx, contracts.Transaction{
		ID:            s.NewID(),
		Type:          contracts.TypeReferral,
		TaskID:        taskID,
		CustomerID:    task.OwnerID,
		WorkerID:      workerID,
		ReferrerID:    referrerID,
		Status:        contracts.StatusInitiated,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
}

// CreateRequest lets the task owner ask a specific worker to take the task.
func (s *Service) CreateRequest(ctx context.Context, taskID, customerID, workerID string) (contracts.Transaction, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(customerID) == "" || strings.TrimSpace(workerID) == "" {
		return contracts.Transaction{}, fmt.Errorf("%w: task id, customer id and worker id are required", ErrInvalidInput)
	}
	task, err := s.Tasks.Get(ctx, store.Key{"id": taskID})
	if err != nil {
		return contracts.Transaction{}, storeErr("task "+taskID, err)
	}
	if task.OwnerID != customerID {
		return contracts.Transaction{}, fmt.Errorf("%w: task %s", ErrUnauthorized, taskID)
	}
	if workerID == customerID {
		return contracts.Transaction{}, fmt.Errorf("%w: cannot request own task", ErrInvalidInput)
	}
	if task.Status != contracts.TaskActive {
		return contracts.Transaction{}, fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
	}
	if err := s.ensureNoPair(ctx, taskID, workerID); err != nil {
		return contracts.Transaction{}, err
	}

	now := s.Now()
	return s.insert(ctx, contracts.Transaction{
		ID:            PairID(taskID, workerID),
		Type:          contracts.TypeRequestForGig,
		TaskID:        taskID,
		CustomerID:    customerID,
		WorkerID:      workerID,
		Status:        contracts.StatusInitiated,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
}

func (s *Service) GetTransaction(ctx context.Context, txnID, userID string) (contracts.Transaction, error) {
	txn, err := s.Transactions.Get(ctx, txnKey(txnID))
	if err != nil {
		return contracts.Transaction{}, storeErr("transaction "+txnID, err)
	}
	if !txn.Party(userID) {
		return contracts.Transaction{}, fmt.Errorf("%w: transaction %s", ErrUnauthorized, txnID)
	}
	return txn, nil
}

func containsStatus(values []contracts.TransactionStatus, v contracts.TransactionStatus) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsType(values []contracts.TransactionType, v contracts.TransactionType) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
