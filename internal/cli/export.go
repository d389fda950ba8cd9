package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

type exportFormat string

const (
	formatParquet exportFormat = "parquet"
	formatJSONL   exportFormat = "jsonl"
)

// exportRow is one stream message as written by read --export.
type exportRow struct {
	Partition      string `parquet:"partition" json:"partition"`
	PartitionKey   string `parquet:"partition_key" json:"partitionKey"`
	SequenceNumber uint64 `parquet:"sequence_number" json:"sequenceNumber"`
	Offset         uint64 `parquet:"offset" json:"offset"`
	EnqueuedTime   string `parquet:"enqueued_time" json:"enqueuedTime"`
	Body           string `parquet:"body" json:"body"`
}

func exportFormatFor(path string) (exportFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return formatParquet, nil
	case ".jsonl", ".ndjson":
		return formatJSONL, nil
	}
	return "", fmt.Errorf("unsupported export format %q: use .parquet or .jsonl", filepath.Ext(path))
}

func exportRows(events []domain.StreamEvent) []exportRow {
	rows := make([]exportRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, exportRow{
			Partition:      ev.Partition,
			PartitionKey:   ev.PartitionKey,
			SequenceNumber: ev.SequenceNumber,
			Offset:         ev.Offset,
			EnqueuedTime:   enqueuedString(ev),
			Body:           string(ev.Body),
		})
	}
	return rows
}

func exportEvents(path string, events []domain.StreamEvent) error {
	format, err := exportFormatFor(path)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	rows := exportRows(events)
	switch format {
	case formatParquet:
		err = writeParquet(file, rows)
	case formatJSONL:
		err = writeJSONL(file, rows)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to export to %s: %w", path, err)
	}
	return nil
}

func writeParquet(file *os.File, rows []exportRow) error {
	w := parquet.NewGenericWriter[exportRow](file, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return err
	}
	return w.Close()
}

func writeJSONL(file *os.File, rows []exportRow) error {
	enc := json.NewEncoder(file)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
