package payoutd

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PomeGroup/ontonbot-sub004/integrations/webhooks"
	"github.com/PomeGroup/ontonbot-sub004/observability/logging"
)

func TestRecorderSettlesOnlyOnce(t *testing.T) {
	store := newMemStore()
	events := &capturedCompletions{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder := NewRecorder(store, events, nil, logging.Discard(), func() time.Time { return fixed })
	recipients := makeRecipients(t, "r", 3)
	job := Job{ID: "job-1", Kind: "raffle"}
	store.addJob(job, recipients...)

	settled, completed, err := recorder.Record(context.Background(), job, recipients[:2], big.NewInt(7), "0xaa")
	require.NoError(t, err)
	require.Len(t, settled, 2)
	require.False(t, completed)
	require.Equal(t, fixed, settled[0].SettledAt)

	// Replaying the same batch does not touch already settled recipients.
	settled, completed, err = recorder.Record(context.Background(), job, recipients[:2], big.NewInt(9), "0xbb")
	require.NoError(t, err)
	require.Empty(t, settled)
	require.False(t, completed)
	require.Equal(t, "0xaa", store.recipient(recipients[0].ID).SettlementRef)
	require.Equal(t, "7", store.recipient(recipients[0].ID).AmountPaid.String())

	settled, completed, err = recorder.Record(context.Background(), job, recipients[2:], big.NewInt(7), "0xcc")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	require.True(t, completed)
	require.Equal(t, JobCompleted, store.job(job.ID).Status)
	require.Equal(t, []string{"job-1"}, events.events)

	completed, err = recorder.Complete(context.Background(), job)
	require.NoError(t, err)
	require.True(t, completed)
	require.Len(t, events.events, 1)
	require.Equal(t, 1, store.completions)
}

func TestRecorderRejectsBadInput(t *testing.T) {
	recorder := NewRecorder(newMemStore(), nil, nil, logging.Discard(), nil)
	rec := makeRecipients(t, "r", 1)
	_, _, err := recorder.Record(context.Background(), Job{ID: "job-1"}, rec, big.NewInt(0), "0xaa")
	require.Error(t, err)
	_, _, err = recorder.Record(context.Background(), Job{ID: "job-1"}, rec, big.NewInt(1), "")
	require.Error(t, err)
	settled, completed, err := recorder.Record(context.Background(), Job{ID: "job-1"}, nil, big.NewInt(1), "0xaa")
	require.NoError(t, err)
	require.Nil(t, settled)
	require.False(t, completed)
}

type payloadCapture struct {
	total  string
	refs   []string
	count  int
	events int
}

func TestRecorderCompletionPayload(t *testing.T) {
	store := newMemStore()
	capture := &payloadCapture{}
	recorder := NewRecorder(store, publisherFunc(func(total string, refs []string, count int) {
		capture.total, capture.refs, capture.count = total, refs, count
		capture.events++
	}), nil, logging.Discard(), nil)
	recipients := makeRecipients(t, "r", 3)
	job := Job{ID: "job-1", OwnerID: "event-1", Kind: "merch"}
	store.addJob(job, recipients...)

	_, _, err := recorder.Record(context.Background(), job, recipients[:2], big.NewInt(5), "0xaa")
	require.NoError(t, err)
	_, _, err = recorder.Record(context.Background(), job, recipients[2:], big.NewInt(4), "0xbb")
	require.NoError(t, err)

	require.Equal(t, 1, capture.events)
	require.Equal(t, "14", capture.total)
	require.Equal(t, 3, capture.count)
	require.ElementsMatch(t, []string{"0xaa", "0xbb"}, capture.refs)
}

type publisherFunc func(total string, refs []string, count int)

func (f publisherFunc) PayoutCompleted(_ context.Context, event webhooks.PayoutCompleted) error {
	f(event.Total, event.TxRefs, event.Recipients)
	return nil
}
