package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/PomeGroup/ontonbot-sub004/crypto"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/store"
)

func newRepository(t *testing.T) *store.Repository {
	t.Helper()
	db, err := store.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return store.New(db)
}

func TestGenerateAccountSealsKey(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	address, err := generateAccount(ctx, repo, "event-1", "service-pass", false)
	require.NoError(t, err)

	acct, err := repo.CustodialAccount(ctx, "event-1")
	require.NoError(t, err)
	require.Equal(t, address, acct.Address)
	key, err := crypto.DecryptKey(acct.EncryptedKey, "service-pass")
	require.NoError(t, err)
	require.Equal(t, address, key.Address().String())

	_, err = generateAccount(ctx, repo, "event-1", "service-pass", false)
	require.ErrorContains(t, err, "already has wallet")
	replaced, err := generateAccount(ctx, repo, "event-1", "service-pass", true)
	require.NoError(t, err)
	require.NotEqual(t, address, replaced)

	_, err = generateAccount(ctx, repo, " ", "service-pass", false)
	require.Error(t, err)
}

func TestImportAccountReseals(t *testing.T) {
	repo := newRepository(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.keystore")
	require.NoError(t, crypto.SaveToKeystore(path, key, "old-pass", crypto.LightScrypt))

	importPass := func() (string, error) { return "old-pass", nil }
	address, err := importAccount(context.Background(), repo, "event-2", path, importPass, "service-pass", false)
	require.NoError(t, err)
	require.Equal(t, key.Address().String(), address)

	acct, err := repo.CustodialAccount(context.Background(), "event-2")
	require.NoError(t, err)
	opened, err := crypto.DecryptKey(acct.EncryptedKey, "service-pass")
	require.NoError(t, err)
	require.Equal(t, address, opened.Address().String())

	wrongPass := func() (string, error) { return "nope", nil }
	_, err = importAccount(context.Background(), repo, "event-3", path, wrongPass, "service-pass", false)
	require.ErrorContains(t, err, "open keystore")
}

func newAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.Address().String()
}

func TestSubmitJobAndExport(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	m := manifest{
		ID:      "job-1",
		OwnerID: "event-1",
		Kind:    "raffle",
		Title:   "Launch Raffle",
		Recipients: []manifestRecipient{
			{ID: "r-2", Address: newAddress(t), Rank: 2, ChatID: "c2"},
			{ID: "r-1", Address: newAddress(t), Rank: 1, ChatID: "c1"},
			{Address: newAddress(t), Rank: 3},
		},
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	job, err := submitJob(ctx, repo, payload, true)
	require.NoError(t, err)
	require.Equal(t, 3, job.recipients)
	require.Equal(t, payoutd.JobDistributing, job.status)

	jobs, err := repo.ListDistributingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = repo.MarkPaid(ctx, "job-1", []string{"r-1"}, big.NewInt(25), "0xabc", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var out bytes.Buffer
	checksum, err := exportSettlements(ctx, repo, "job-1", "csv", "", &out)
	require.NoError(t, err)
	require.Len(t, checksum, 64)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[1], "job-1,raffle,r-1,"))
	require.Contains(t, lines[1], ",25,0xabc,true,")
	require.Contains(t, lines[3], "job-1-0002")

	jsonlPath := filepath.Join(t.TempDir(), "job-1.jsonl")
	_, err = exportSettlements(ctx, repo, "job-1", "jsonl", jsonlPath, &out)
	require.NoError(t, err)
	data, err := os.ReadFile(jsonlPath)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(data), "\n"))

	parquetPath := filepath.Join(t.TempDir(), "job-1.parquet")
	_, err = exportSettlements(ctx, repo, "job-1", "parquet", parquetPath, &out)
	require.NoError(t, err)
	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	_, err = exportSettlements(ctx, repo, "job-1", "parquet", "", &out)
	require.Error(t, err)
	_, err = exportSettlements(ctx, repo, "job-1", "xml", "", &out)
	require.Error(t, err)
	_, err = exportSettlements(ctx, repo, "missing", "csv", "", &out)
	require.ErrorIs(t, err, payoutd.ErrJobNotFound)
}

func TestSubmitJobValidatesManifest(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	cases := map[string]string{
		"bad json":      `{`,
		"missing owner": `{"id":"job-1","recipients":[{"address":"x"}]}`,
		"no recipients": `{"id":"job-1","owner_id":"event-1"}`,
		"bad address":   `{"id":"job-1","owner_id":"event-1","recipients":[{"address":"nope"}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := submitJob(ctx, repo, []byte(payload), false)
			require.Error(t, err)
		})
	}
	addr := newAddress(t)
	dup := fmt.Sprintf(`{"id":"job-1","owner_id":"event-1","recipients":[{"id":"a","address":%q},{"id":"a","address":%q}]}`, addr, addr)
	_, err := submitJob(ctx, repo, []byte(dup), false)
	require.ErrorContains(t, err, "duplicate recipient")
}
