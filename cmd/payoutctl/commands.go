package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PomeGroup/ontonbot-sub004/crypto"
	"github.com/PomeGroup/ontonbot-sub004/integrations/exports"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/store"
)

func generateAccount(ctx context.Context, repo *store.Repository, owner, passphrase string, force bool) (string, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	defer key.Zero()
	return sealAccount(ctx, repo, owner, key, passphrase, force)
}

func importAccount(ctx context.Context, repo *store.Repository, owner, keystorePath string, importPass func() (string, error), passphrase string, force bool) (string, error) {
	if strings.TrimSpace(keystorePath) == "" {
		return "", errors.New("keystore path required")
	}
	pass, err := importPass()
	if err != nil {
		return "", err
	}
	key, err := crypto.LoadFromKeystore(keystorePath, pass)
	if err != nil {
		return "", fmt.Errorf("open keystore: %w", err)
	}
	defer key.Zero()
	return sealAccount(ctx, repo, owner, key, passphrase, force)
}

func sealAccount(ctx context.Context, repo *store.Repository, owner string, key *crypto.PrivateKey, passphrase string, force bool) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner required")
	}
	if !force {
		if existing, err := repo.CustodialAccount(ctx, owner); err == nil {
			return "", fmt.Errorf("owner %s already has wallet %s (use --force to replace)", owner, existing.Address)
		} else if !errors.Is(err, payoutd.ErrNoCustodialAccount) {
			return "", err
		}
	}
	sealed, err := crypto.EncryptKey(key, passphrase, crypto.StandardScrypt)
	if err != nil {
		return "", fmt.Errorf("seal key: %w", err)
	}
	address := key.Address().String()
	if err := repo.PutCustodialAccount(ctx, payoutd.CustodialAccount{OwnerID: owner, Address: address, EncryptedKey: sealed}); err != nil {
		return "", err
	}
	return address, nil
}

type manifest struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"owner_id"`
	Kind           string              `json:"kind"`
	Title          string              `json:"title"`
	NotifyTemplate string              `json:"notify_template"`
	Recipients     []manifestRecipient `json:"recipients"`
}

type manifestRecipient struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Rank    int    `json:"rank"`
	ChatID  string `json:"chat_id"`
}

type submitted struct {
	ID         string
	recipients int
	status     payoutd.JobStatus
}

func submitJob(ctx context.Context, repo *store.Repository, payload []byte, start bool) (submitted, error) {
	var m manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return submitted{}, fmt.Errorf("decode manifest: %w", err)
	}
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.OwnerID) == "" {
		return submitted{}, errors.New("manifest requires id and owner_id")
	}
	if len(m.Recipients) == 0 {
		return submitted{}, errors.New("manifest has no recipients")
	}
	recipients := make([]payoutd.Recipient, 0, len(m.Recipients))
	seen := make(map[string]struct{}, len(m.Recipients))
	for i, rec := range m.Recipients {
		if _, err := crypto.DecodeAddress(rec.Address); err != nil {
			return submitted{}, fmt.Errorf("recipient %d address: %w", i, err)
		}
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			id = fmt.Sprintf("%s-%04d", m.ID, i)
		}
		if _, dup := seen[id]; dup {
			return submitted{}, fmt.Errorf("duplicate recipient %s", id)
		}
		seen[id] = struct{}{}
		recipients = append(recipients, payoutd.Recipient{ID: id, Address: rec.Address, Rank: rec.Rank, ChatID: rec.ChatID})
	}
	job := payoutd.Job{ID: m.ID, OwnerID: m.OwnerID, Kind: m.Kind, Title: m.Title, NotifyTemplate: m.NotifyTemplate}
	if err := repo.CreateJob(ctx, job, recipients); err != nil {
		return submitted{}, err
	}
	status := payoutd.JobPending
	if start {
		if err := repo.StartDistribution(ctx, m.ID); err != nil {
			return submitted{}, err
		}
		status = payoutd.JobDistributing
	}
	return submitted{ID: m.ID, recipients: len(recipients), status: status}, nil
}

func exportSettlements(ctx context.Context, repo *store.Repository, jobID, format, out string, stdout io.Writer) (string, error) {
	rows, err := payoutd.SettlementRows(ctx, repo, jobID)
	if err != nil {
		return "", err
	}
	var (
		data     []byte
		checksum string
	)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		data, checksum, err = exports.SettlementsCSV(rows)
	case "jsonl":
		data, checksum, err = exports.SettlementsJSONL(rows)
	case "parquet":
		if out == "" {
			return "", errors.New("parquet export requires --out")
		}
		return "", exports.WriteSettlementsParquet(out, rows)
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return "", err
	}
	if out == "" {
		_, err = stdout.Write(data)
		return checksum, err
	}
	return checksum, os.WriteFile(out, data, 0o600)
}
