// Package export serializes audit ledger records for external verifiers.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/haikara-dev/gridshift/core/ledger"
)

// WriteJSON writes the records to w in JSON format.
func WriteJSON(w io.Writer, records []ledger.Record) error {
	enc := json.NewEncoder(w)
	return enc.Encode(records)
}

// WriteCSV writes the records to w in CSV format. The payload column carries
// the raw JSON payload so the hash chain stays recomputable from the export.
func WriteCSV(w io.Writer, records []ledger.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "timestamp", "kind", "payload", "prev_hash", "hash", "signature"}); err != nil {
		return err
	}
	for _, r := range records {
		rec := []string{
			strconv.FormatUint(r.Seq, 10),
			r.Timestamp.Format(time.RFC3339Nano),
			r.Kind,
			string(r.Payload),
			r.PrevHash,
			r.Hash,
			r.Signature,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
