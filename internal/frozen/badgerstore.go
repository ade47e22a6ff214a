package frozen

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerStore keeps blobs in a Badger key-value database, for
// workloads where a file per frozen document would mean hundreds of
// thousands of small files.
type badgerStore struct {
	db *badger.DB
}

var _ BlobStore = (*badgerStore)(nil)

// NewBadgerStore opens or creates a Badger-backed BlobStore at dir.
func NewBadgerStore(dir string, logger *slog.Logger) (BlobStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(wrapLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &badgerStore{db: db}, nil
}

// NewMemoryStore returns a BlobStore holding blobs in process memory.
// Restarts lose the frozen tier, which suits tests and ephemeral
// analysis runs.
func NewMemoryStore(logger *slog.Logger) (BlobStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(wrapLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Put(name string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("write blob %s: %w", name, err)
	}
	return nil
}

func (s *badgerStore) Get(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("read blob %s: %w", name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	return data, nil
}

func (s *badgerStore) Delete(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", name, err)
	}
	return nil
}

func (s *badgerStore) Close() error { return s.db.Close() }

func wrapLogger(logger *slog.Logger) badger.Logger {
	if logger == nil {
		return nil
	}
	return &badgerLogger{logger: logger}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
