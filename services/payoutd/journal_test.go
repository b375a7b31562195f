package payoutd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PomeGroup/ontonbot-sub004/storage"
)

func TestChunkFingerprintDependsOnOrder(t *testing.T) {
	a := []Recipient{{ID: "a"}, {ID: "b"}}
	b := []Recipient{{ID: "b"}, {ID: "a"}}
	require.Len(t, ChunkFingerprint(a), 64)
	require.Equal(t, ChunkFingerprint(a), ChunkFingerprint([]Recipient{{ID: "a"}, {ID: "b"}}))
	require.NotEqual(t, ChunkFingerprint(a), ChunkFingerprint(b))
	require.NotEqual(t, ChunkFingerprint([]Recipient{{ID: "ab"}}), ChunkFingerprint([]Recipient{{ID: "a"}, {ID: "b"}}))
}

func TestJournalRoundTrip(t *testing.T) {
	j := NewJournal(nil)
	entry := JournalEntry{
		JobID:        "job-1",
		Fingerprint:  "fp",
		Sequence:     4,
		RecipientIDs: []string{"r-1", "r-2"},
		Attempts:     []BroadcastAttempt{{TxHash: "0xaa", Amount: "10", BroadcastAt: time.Unix(100, 0).UTC()}},
	}
	require.NoError(t, j.Put(entry))

	got, found, err := j.Lookup("job-1", "fp")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry, got)

	_, found, err = j.Lookup("job-2", "fp")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, j.Put(JournalEntry{JobID: "job-10", Fingerprint: "fp"}))
	pending, err := j.Pending("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	all, err := j.Pending("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, j.Delete("job-1", "fp"))
	require.NoError(t, j.Delete("job-1", "fp"))
	pending, err = j.Pending("job-1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestJournalKeepsJobsApart(t *testing.T) {
	j := NewJournal(nil)
	require.NoError(t, j.Put(JournalEntry{JobID: "job-1", Fingerprint: "fp-a"}))
	require.NoError(t, j.Put(JournalEntry{JobID: "job-1:x", Fingerprint: "fp-b"}))

	pending, err := j.Pending("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "fp-a", pending[0].Fingerprint)

	pending, err = j.Pending("job-1:x")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "job-1:x", pending[0].JobID)

	require.NoError(t, j.Delete("job-1:x", "fp-b"))
	all, err := j.Pending("")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "job-1", all[0].JobID)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, NewJournal(db).Put(JournalEntry{JobID: "job-1", Fingerprint: "fp", Sequence: 9}))
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	entry, found, err := NewJournal(db).Lookup("job-1", "fp")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(9), entry.Sequence)
}

func TestBroadcastAttemptAmount(t *testing.T) {
	amount, err := BroadcastAttempt{Amount: "42"}.AmountInt()
	require.NoError(t, err)
	require.Equal(t, "42", amount.String())
	_, err = BroadcastAttempt{Amount: "0"}.AmountInt()
	require.Error(t, err)
	_, err = BroadcastAttempt{Amount: "x"}.AmountInt()
	require.Error(t, err)
}
