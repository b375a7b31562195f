package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// SettlementRow is one recipient line of a payout settlement report.
type SettlementRow struct {
	JobID        string
	Kind         string
	RecipientID  string
	Address      string
	Rank         int
	Amount       string
	TxRef        string
	Settled      bool
	SettledAt    time.Time
	Notification string
}

var csvHeader = []string{"job_id", "kind", "recipient_id", "address", "rank", "amount", "tx_ref", "settled", "settled_at", "notification"}

// SettlementsCSV builds a CSV export for the supplied rows and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func SettlementsCSV(rows []SettlementRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.JobID,
			row.Kind,
			row.RecipientID,
			row.Address,
			strconv.Itoa(row.Rank),
			amountOrZero(row.Amount),
			row.TxRef,
			strconv.FormatBool(row.Settled),
			formatTime(row.SettledAt),
			row.Notification,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

// SettlementsJSONL builds a JSON Lines export for the supplied rows and
// returns the serialised payload alongside a checksum.
func SettlementsJSONL(rows []SettlementRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"job_id":       row.JobID,
			"kind":         row.Kind,
			"recipient_id": row.RecipientID,
			"address":      row.Address,
			"rank":         row.Rank,
			"amount":       amountOrZero(row.Amount),
			"tx_ref":       row.TxRef,
			"settled":      row.Settled,
			"settled_at":   formatTime(row.SettledAt),
			"notification": row.Notification,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func amountOrZero(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
