package notify

import (
	"testing"

	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Referral(t *testing.T) {
	ev := cdc.Insert[contracts.Transaction]{After: contracts.Transaction{
		ID: "t1", Type: contracts.TypeReferral, Status: contracts.StatusInitiated,
		TaskID: "task", CustomerID: "c", ReferrerID: "r",
	}}
	got := Classify(ev, &contracts.Task{Category: "painting"})
	require.Len(t, got, 1)
	assert.Equal(t, contracts.NotifyNewReferral, got[0].Type)
	assert.Equal(t, "c", got[0].UserID)
	assert.Equal(t, "r", got[0].SubjectID)
	assert.Equal(t, "New Referral for painting.", got[0].Title)
	assert.Equal(t, "You have received a new referral for painting", got[0].Body)
}

func TestClassify_NoRule(t *testing.T) {
	passed := cdc.Insert[contracts.Transaction]{After: contracts.Transaction{Type: contracts.TypeApplication, Status: contracts.StatusPassed}}
	assert.Empty(t, Classify(passed, nil))

	before := contracts.Transaction{Type: contracts.TypeApplication, Status: contracts.StatusApplied, CustomerID: "c", WorkerID: "w"}
	after := before
	after.Status = contracts.StatusRejected
	assert.Empty(t, Classify(cdc.Modify[contracts.Transaction]{Before: before, After: after}, nil))

	terminated := before
	terminated.Status = contracts.StatusTerminated
	again := cdc.Modify[contracts.Transaction]{Before: terminated, After: terminated}
	assert.Empty(t, Classify(again, nil))
}

func TestClassify_MessageRoles(t *testing.T) {
	before := contracts.Transaction{Type: contracts.TypeReferral, CustomerID: "c", ReferrerID: "r", Status: contracts.StatusRequestAccepted}
	after := before
	after.LastMessage = "hello"
	after.SenderID = "c"
	after.ReceiverID = "r"

	got := Classify(cdc.Modify[contracts.Transaction]{Before: before, After: after}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "New Message For Referral.", got[0].Title)
	assert.Equal(t, "r", got[0].UserID)
	assert.Equal(t, "c", got[0].SenderID)
}

func TestClassify_TerminatedReferralUsesReferrer(t *testing.T) {
	before := contracts.Transaction{ID: "t", Type: contracts.TypeReferral, CustomerID: "c", ReferrerID: "r", Status: contracts.StatusRequestAccepted}
	after := before
	after.Status = contracts.StatusTerminated

	got := Classify(cdc.Modify[contracts.Transaction]{Before: before, After: after}, &contracts.Task{Category: "x"})
	require.Len(t, got, 2)
	assert.Equal(t, "r", got[0].UserID)
	assert.Equal(t, "c", got[1].UserID)
	for _, p := range got {
		assert.Equal(t, contracts.NotifyTransactionTerminated, p.Type)
	}
}
