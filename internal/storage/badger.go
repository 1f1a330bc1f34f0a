package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/D13ya/gputimer/pkg/logger"
)

const (
	recordPrefix = "m/"
	seqKey       = "seq/measurement"
	seqBandwidth = 128
)

var ErrInvalidLabel = errors.New("label must be non-empty and must not contain '/'")

// Record is one device-timed measurement.
type Record struct {
	Label      string
	Device     string
	Iteration  int
	ElapsedMs  float32
	HostMs     float64
	RecordedAt time.Time
}

// Recorder accepts measurements as they are taken.
type Recorder interface {
	Append(rec Record) error
}

// BadgerConfig selects where the journal lives.
type BadgerConfig struct {
	Dir      string
	InMemory bool
	Logger   *zerolog.Logger
}

// Journal is an append-only log of measurements kept in Badger. Keys are
// ordered by label, then by insertion sequence.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

var _ Recorder = (*Journal)(nil)

func OpenJournal(cfg BadgerConfig) (*Journal, error) {
	log := logger.New("journal")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(badgerLogger{log: log})
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	} else if cfg.Dir == "" {
		return nil, errors.New("journal dir is required unless in-memory")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}
	return &Journal{db: db, seq: seq}, nil
}

func (j *Journal) Append(rec Record) error {
	if !validLabel(rec.Label) {
		return ErrInvalidLabel
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	val, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Label, n), val)
	})
}

// List returns every record for label in the order it was appended.
func (j *Journal) List(label string) ([]Record, error) {
	if !validLabel(label) {
		return nil, ErrInvalidLabel
	}
	var out []Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = labelPrefix(label)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (j *Journal) Close() error {
	var errs []error
	if err := j.seq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := j.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func validLabel(label string) bool {
	if label == "" {
		return false
	}
	for i := 0; i < len(label); i++ {
		if label[i] == '/' {
			return false
		}
	}
	return true
}

func labelPrefix(label string) []byte {
	return []byte(recordPrefix + label + "/")
}

func recordKey(label string, n uint64) []byte {
	key := labelPrefix(label)
	return binary.BigEndian.AppendUint64(key, n)
}

func encodeRecord(rec Record) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"label":       rec.Label,
		"device":      rec.Device,
		"iteration":   rec.Iteration,
		"elapsed_ms":  float64(rec.ElapsedMs),
		"host_ms":     rec.HostMs,
		"recorded_at": rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return proto.Marshal(s)
}

func decodeRecord(val []byte) (Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(val, &s); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	f := s.GetFields()
	at, err := time.Parse(time.RFC3339Nano, f["recorded_at"].GetStringValue())
	if err != nil {
		return Record{}, fmt.Errorf("decode record time: %w", err)
	}
	return Record{
		Label:      f["label"].GetStringValue(),
		Device:     f["device"].GetStringValue(),
		Iteration:  int(f["iteration"].GetNumberValue()),
		ElapsedMs:  float32(f["elapsed_ms"].GetNumberValue()),
		HostMs:     f["host_ms"].GetNumberValue(),
		RecordedAt: at,
	}, nil
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
