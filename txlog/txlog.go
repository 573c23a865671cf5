package txlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/plasmachain/operator/models"
)

var (
	ErrLogNotFound = errors.New("no transaction log for block")
	ErrClosed      = errors.New("transaction log closed")
	ErrSealed      = errors.New("block log already sealed")
)

const (
	currentName  = "txs-current"
	sealedPrefix = "txs-"
)

// Log is the append-only record of transactions accepted into the block
// currently being built. Each sealed block gets its own file holding
// back-to-back signed transaction encodings.
type Log struct {
	dir string

	lk    sync.Mutex
	logfi *os.File
	outw  *bufio.Writer
	count int

	log *slog.Logger
}

func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	l := &Log{
		dir: dir,
		log: slog.Default().With("system", "txlog"),
	}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openCurrent() error {
	p := filepath.Join(l.dir, currentName)
	fi, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return fmt.Errorf("%s: could not open log, %w", p, err)
	}
	l.logfi = fi
	l.outw = bufio.NewWriter(fi)
	l.count = 0
	return nil
}

// Repair reconciles dir with the persisted current block after a seal that
// stopped part way, and returns the block the open log belongs to. A sealed
// log for current means the rename landed but the block number did not, so
// current moves past it. An unsealed log declaring an older block means the
// block number landed but the rename did not, so the log is sealed under
// the block it declares.
func Repair(dir string, current uint64) (uint64, error) {
	for {
		_, err := os.Stat(sealedPath(dir, current))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return 0, err
		}
		current++
	}

	cur := filepath.Join(dir, currentName)
	declared, found, err := firstBlock(cur)
	if err != nil {
		return 0, err
	}
	if !found || declared >= current {
		return current, nil
	}
	sealed := sealedPath(dir, declared)
	if _, err := os.Stat(sealed); err == nil {
		return 0, fmt.Errorf("%s holds block %d: %w", cur, declared, ErrSealed)
	}
	if err := os.Rename(cur, sealed); err != nil {
		return 0, fmt.Errorf("failed to rename log for block %d: %w", declared, err)
	}
	slog.Default().With("system", "txlog").Warn("sealed interrupted block log", "block", declared, "path", sealed)
	return current, nil
}

// firstBlock reads the block declared by the first transaction in path.
func firstBlock(path string) (uint64, bool, error) {
	fi, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer fi.Close()

	tx, err := models.ReadTransaction(bufio.NewReader(fi))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%s: reading transaction: %w", path, err)
	}
	if len(tx.Transfers) == 0 {
		return 0, false, fmt.Errorf("%s: transaction without transfers", path)
	}
	return tx.Transfers[0].Block, true, nil
}

func sealedPath(dir string, block uint64) string {
	return filepath.Join(dir, sealedPrefix+strconv.FormatUint(block, 10))
}

// Path is where the sealed log for block lives.
func (l *Log) Path(block uint64) string {
	return sealedPath(l.dir, block)
}

// Append writes one signed transaction to the open log.
func (l *Log) Append(tx *models.Transaction) error {
	blob, err := tx.MarshalBinary()
	if err != nil {
		return err
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	if l.logfi == nil {
		return ErrClosed
	}
	if _, err := l.outw.Write(blob); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err := l.outw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	l.count++
	return nil
}

// Rotate closes the open log under the name of sealedBlock and starts a new
// empty one. The caller must guarantee no Append runs concurrently.
func (l *Log) Rotate(sealedBlock uint64) (string, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.logfi == nil {
		return "", ErrClosed
	}

	cur := filepath.Join(l.dir, currentName)
	sealed := l.Path(sealedBlock)
	if _, err := os.Stat(sealed); err == nil {
		return "", fmt.Errorf("%s: %w", sealed, ErrSealed)
	}

	if err := l.closeCurrent(); err != nil {
		return "", err
	}
	if err := os.Rename(cur, sealed); err != nil {
		return "", fmt.Errorf("failed to rename log for block %d: %w", sealedBlock, err)
	}
	if err := l.openCurrent(); err != nil {
		return "", err
	}
	l.log.Debug("rotated transaction log", "block", sealedBlock, "path", sealed)
	return sealed, nil
}

func (l *Log) closeCurrent() error {
	if err := l.outw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := l.logfi.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	if err := l.logfi.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}
	l.logfi = nil
	l.outw = nil
	return nil
}

// Pending is how many transactions were appended since the last rotation
// by this process.
func (l *Log) Pending() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.count
}

func (l *Log) Close() error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.logfi == nil {
		return nil
	}
	return l.closeCurrent()
}

// ReadBlock replays the sealed log of block in file order.
func (l *Log) ReadBlock(block uint64, cb func(*models.Transaction) error) error {
	return ReadFile(l.Path(block), cb)
}

func ReadFile(path string, cb func(*models.Transaction) error) error {
	fi, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrLogNotFound)
		}
		return err
	}
	defer fi.Close()

	bufr := bufio.NewReader(fi)
	for {
		tx, err := models.ReadTransaction(bufr)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: reading transaction: %w", path, err)
		}
		if err := cb(tx); err != nil {
			return err
		}
	}
}
