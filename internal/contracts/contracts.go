package contracts

import (
	"encoding/json"
	"time"
)

// Collection names used for change records and stream subjects.
const (
	CollectionTask        = "task"
	CollectionTransaction = "transaction"
	CollectionProfile     = "profile"
)

// Change record event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

type TaskStatus string

const (
	TaskActive   TaskStatus = "active"
	TaskInactive TaskStatus = "inactive"
)

type TransactionType string

const (
	TypeApplication   TransactionType = "application"
	TypeReferral      TransactionType = "referral"
	TypeRequestForGig TransactionType = "requestForGig"
)

type TransactionStatus string

const (
	StatusApplied             TransactionStatus = "applied"
	StatusApplicationAccepted TransactionStatus = "applicationAccepted"
	StatusRejected            TransactionStatus = "rejected"
	StatusWithdrawn           TransactionStatus = "withdrawn"
	StatusPassed              TransactionStatus = "passed"
	StatusInitiated           TransactionStatus = "initiated"
	StatusRequestAccepted     TransactionStatus = "requestAccepted"
	StatusTerminated          TransactionStatus = "terminated"
)

// TransactionStatuses lists every status in lifecycle order.
var TransactionStatuses = []TransactionStatus{
	StatusApplied, StatusApplicationAccepted, StatusRejected, StatusWithdrawn,
	StatusPassed, StatusInitiated, StatusRequestAccepted, StatusTerminated,
}

// Terminal reports whether no further transitions are accepted from s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusWithdrawn, StatusPassed, StatusTerminated:
		return true
	}
	return false
}

type CardStatus string

const (
	CardNew     CardStatus = "NEW"
	CardApplied CardStatus = "APPLIED"
	CardPassed  CardStatus = "PASSED"
)

type NotificationType string

const (
	NotifyNewApplication        NotificationType = "NEW_APPLICATION"
	NotifyNewReferral           NotificationType = "NEW_REFERRAL"
	NotifyApplicationAccepted   NotificationType = "APPLICATION_ACCEPTED"
	NotifyTransactionTerminated NotificationType = "TRANSACTION_TERMINATED"
	NotifyMessage               NotificationType = "MESSAGE"
)

// Persona selects which side of a transaction a listing is built for.
type Persona string

const (
	PersonaCustomer Persona = "CUSTOMER"
	PersonaWorker   Persona = "WORKER"
)

type Location struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationName string  `json:"locationName,omitempty"`
}

type Task struct {
	ID            string     `json:"id" gorm:"primaryKey;column:id"`
	OwnerID       string     `json:"userId" gorm:"column:user_id;index:idx_tasks_owner"`
	Status        TaskStatus `json:"taskStatus" gorm:"column:status"`
	Title         string     `json:"title,omitempty"`
	Category      string     `json:"category"`
	Description   string     `json:"description,omitempty"`
	Location      *Location  `json:"location,omitempty" gorm:"serializer:json;type:text"`
	Price         float64    `json:"price,omitempty"`
	PriceUnit     string     `json:"priceUnit,omitempty"`
	City          string     `json:"city,omitempty"`
	StateProvince string     `json:"stateProvince,omitempty"`
	Country       string     `json:"country,omitempty"`
	ValidTill     *time.Time `json:"validTill,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	Version       int64      `json:"-"`
}

func (t Task) StoreKey() map[string]string { return map[string]string{"id": t.ID} }
func (t Task) RowVersion() int64           { return t.Version }
func (t Task) WithVersion(v int64) Task {
	t.Version = v
	return t
}

type Transaction struct {
	ID              string            `json:"id" gorm:"primaryKey;column:id"`
	Type            TransactionType   `json:"type"`
	TaskID          string            `json:"taskId" gorm:"column:task_id;index:idx_txn_task;index:idx_txn_task_worker,priority:1"`
	CustomerID      string            `json:"customerId" gorm:"column:customer_id;index:idx_txn_customer,priority:1"`
	WorkerID        string            `json:"workerId,omitempty" gorm:"column:worker_id;index:idx_txn_task_worker,priority:2;index:idx_txn_worker,priority:1"`
	ReferrerID      string            `json:"referrerId,omitempty" gorm:"column:referrer_id;index:idx_txn_referrer,priority:1"`
	Status          TransactionStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdatedAt   time.Time         `json:"lastUpdatedAt" gorm:"column:last_updated_at;index:idx_txn_customer,priority:2;index:idx_txn_worker,priority:2;index:idx_txn_referrer,priority:2"`
	LastMessage     string            `json:"lastMessage,omitempty"`
	SenderID        string            `json:"senderId,omitempty" gorm:"column:sender_id"`
	ReceiverID      string            `json:"receiverId,omitempty" gorm:"column:receiver_id"`
	LastMessageRead bool              `json:"lastMessageRead,omitempty"`
	Version         int64             `json:"-"`
}

func (t Transaction) StoreKey() map[string]string { return map[string]string{"id": t.ID} }
func (t Transaction) RowVersion() int64           { return t.Version }
func (t Transaction) WithVersion(v int64) Transaction {
	t.Version = v
	return t
}

// Party reports whether userID is the customer, worker or referrer.
func (t Transaction) Party(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == t.CustomerID || userID == t.WorkerID || userID == t.ReferrerID
}

// Counterpart returns the worker (or referrer when there is no worker).
func (t Transaction) Counterpart() string {
	if t.WorkerID != "" {
		return t.WorkerID
	}
	return t.ReferrerID
}

type Card struct {
	UserID        string     `json:"userId" gorm:"primaryKey;column:user_id;index:idx_cards_user_status,priority:1"`
	TaskID        string     `json:"taskId" gorm:"primaryKey;column:task_id"`
	CustomerID    string     `json:"customerId" gorm:"column:customer_id"`
	Category      string     `json:"category"`
	Distance      float64    `json:"distance"`
	Status        CardStatus `json:"status" gorm:"column:status;index:idx_cards_user_status,priority:2"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	Version       int64      `json:"-"`
}

func (c Card) StoreKey() map[string]string {
	return map[string]string{"user_id": c.UserID, "task_id": c.TaskID}
}
func (c Card) RowVersion() int64 { return c.Version }
func (c Card) WithVersion(v int64) Card {
	c.Version = v
	return c
}

// Profile is owned by the profile service; this module only reads it.
type Profile struct {
	UserID               string    `json:"userId" gorm:"primaryKey;column:user_id"`
	Name                 string    `json:"name"`
	Location             *Location `json:"location,omitempty" gorm:"serializer:json;type:text"`
	NotificationToken    string    `json:"notificationToken,omitempty"`
	Active               bool      `json:"active" gorm:"column:active"`
	InterestedCategories []string  `json:"interestedCategories,omitempty" gorm:"serializer:json;type:text"`
	PhotoKey             string    `json:"photoKey,omitempty"`
	Version              int64     `json:"-"`
}

func (p Profile) StoreKey() map[string]string { return map[string]string{"user_id": p.UserID} }
func (p Profile) RowVersion() int64           { return p.Version }
func (p Profile) WithVersion(v int64) Profile {
	p.Version = v
	return p
}

type Notification struct {
	ID            string           `json:"id" gorm:"primaryKey;column:id"`
	DateTime      time.Time        `json:"dateTime"`
	UserID        string           `json:"userId" gorm:"column:user_id;index:idx_notifications_user"`
	Type          NotificationType `json:"type"`
	SubjectID     string           `json:"subjectId,omitempty"`
	ObjectID      string           `json:"objectId,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
	Version       int64            `json:"-"`
}

func (n Notification) StoreKey() map[string]string { return map[string]string{"id": n.ID} }
func (n Notification) RowVersion() int64           { return n.Version }
func (n Notification) WithVersion(v int64) Notification {
	n.Version = v
	return n
}

// ChangeEvent is the record published on cdc.<collection>.<shard> for every
// mutation of a streamed collection.
type ChangeEvent struct {
	EventID    string    `json:"eventId"`
	EventName  string    `json:"eventName"`
	Collection string    `json:"collection"`
	Sequence   uint64    `json:"sequence"`
	Change     Change    `json:"change"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Change struct {
	Keys     map[string]string `json:"keys"`
	NewImage json.RawMessage   `json:"newImage,omitempty"`
	OldImage json.RawMessage   `json:"oldImage,omitempty"`
}
