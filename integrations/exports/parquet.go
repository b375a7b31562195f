package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	JobID        string `parquet:"name=job_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind         string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecipientID  string `parquet:"name=recipient_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address      string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank         int32  `parquet:"name=rank, type=INT32"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxRef        string `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Settled      bool   `parquet:"name=settled, type=BOOLEAN"`
	SettledAt    string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Notification string `parquet:"name=notification, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteSettlementsParquet writes the rows to path as a SNAPPY compressed parquet file.
func WriteSettlementsParquet(path string, rows []SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			JobID:        row.JobID,
			Kind:         row.Kind,
			RecipientID:  row.RecipientID,
			Address:      row.Address,
			Rank:         int32(row.Rank),
			Amount:       amountOrZero(row.Amount),
			TxRef:        row.TxRef,
			Settled:      row.Settled,
			SettledAt:    formatTime(row.SettledAt),
			Notification: row.Notification,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
