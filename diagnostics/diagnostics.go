// Package diagnostics provides a read-only snapshot exporter for the lock
// manager: a human-readable dump of the global lock table for support and
// debugging when a transaction appears stuck. It only ever calls
// lockmanager.Manager's query methods (GetLocksOn/GetLocksOf), never reaches
// into its internal state, and never feeds back into lock decisions.
package diagnostics

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"github.com/eusonice/lockcore/lockconfig"
	"github.com/eusonice/lockcore/lockmanager"
	"github.com/eusonice/lockcore/resource"
)

// LockRecord is one (mode, transaction) pair, rendered for a human reader
// rather than round-tripped back into the lock manager.
type LockRecord struct {
	Mode string `yaml:"mode"`
	Txn  uint64 `yaml:"txn"`
}

// ResourceReport summarizes one resource's granted locks.
type ResourceReport struct {
	Resource string       `yaml:"resource"`
	Granted  []LockRecord `yaml:"granted"`
}

// TransactionReport summarizes one transaction's held locks, in acquisition
// order.
type TransactionReport struct {
	Txn   uint64       `yaml:"txn"`
	Locks []LockRecord `yaml:"locks"`
}

// Report is the full diagnostic dump: every resource named in Resources, and
// every transaction named in Transactions, cross-referenced by the caller.
type Report struct {
	Resources    []ResourceReport    `yaml:"resources"`
	Transactions []TransactionReport `yaml:"transactions"`
}

// Snapshot walks mgr's public queries for every name in resources and every
// transaction in txnIDs, producing a Report. Both lists are supplied by the
// caller (typically the host's own catalog of known resources/transactions)
// since the manager exposes no "list everything" query by design.
func Snapshot(mgr *lockmanager.Manager, resources []resource.Name, txnIDs []uint64) *Report {
	report := &Report{}

	for _, name := range resources {
		locks := mgr.GetLocksOn(name)
		if len(locks) == 0 {
			continue
		}
		rr := ResourceReport{Resource: name.String()}
		for _, l := range locks {
			rr.Granted = append(rr.Granted, LockRecord{Mode: l.Mode.String(), Txn: l.Txn})
		}
		report.Resources = append(report.Resources, rr)
	}

	for _, txnID := range txnIDs {
		locks := mgr.GetLocksOf(txnID)
		if len(locks) == 0 {
			continue
		}
		tr := TransactionReport{Txn: txnID}
		for _, l := range locks {
			tr.Locks = append(tr.Locks, LockRecord{Mode: l.Mode.String(), Txn: txnID})
		}
		report.Transactions = append(report.Transactions, tr)
	}

	return report
}

// Marshal renders report as YAML, then compresses it with the codec named by
// cfg.Snapshot.Codec (or leaves it uncompressed for lockconfig.CodecNone).
func Marshal(report *Report, cfg *lockconfig.Config) ([]byte, error) {
	data, err := yaml.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: marshal report: %w", err)
	}
	return compress(data, cfg.Snapshot.Codec)
}

// Unmarshal is Marshal's inverse: it decompresses b with codec, then parses
// the resulting YAML back into a Report.
func Unmarshal(b []byte, cfg *lockconfig.Config) (*Report, error) {
	data, err := decompress(b, cfg.Snapshot.Codec)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: decompress report: %w", err)
	}
	report := &Report{}
	if err := yaml.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("diagnostics: parse report: %w", err)
	}
	return report, nil
}

func compress(data []byte, codec lockconfig.SnapshotCodec) ([]byte, error) {
	switch codec {
	case lockconfig.CodecNone, "":
		return data, nil
	case lockconfig.CodecSnappy:
		return snappy.Encode(nil, data), nil
	case lockconfig.CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case lockconfig.CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("diagnostics: unrecognized snapshot codec %q", codec)
	}
}

func decompress(data []byte, codec lockconfig.SnapshotCodec) ([]byte, error) {
	switch codec {
	case lockconfig.CodecNone, "":
		return data, nil
	case lockconfig.CodecSnappy:
		return snappy.Decode(nil, data)
	case lockconfig.CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case lockconfig.CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("diagnostics: unrecognized snapshot codec %q", codec)
	}
}
