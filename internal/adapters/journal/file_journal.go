// Package journal keeps the flat measurement log: every saved record is
// appended before export and replayed on start until a sink has taken it.
package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

const (
	logName    = "measurements.log"
	commitName = "measurements.commit"

	// entry: [8 bytes id][4 bytes len][len bytes json]
	headerLen = 12
)

var ErrClosed = errors.New("journal: closed")

type FileJournal struct {
	mu         sync.Mutex
	dir        string
	path       string
	commitPath string
	file       *os.File
	writer     *bufio.Writer
	lastID     ports.JournalEntryID
	committed  ports.JournalEntryID
	sizeBytes  int64
}

// Open opens or creates the journal in dir. A torn final entry left by a
// crash is cut off.
func Open(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &FileJournal{
		dir:        dir,
		path:       filepath.Join(dir, logName),
		commitPath: filepath.Join(dir, commitName),
	}
	if err := j.openLog(); err != nil {
		return nil, err
	}
	if err := j.recover(); err != nil {
		j.file.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) openLog() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (j *FileJournal) recover() error {
	valid, lastID, err := scanLog(j.path)
	if err != nil {
		return err
	}
	if err := j.file.Truncate(valid); err != nil {
		return err
	}
	j.sizeBytes = valid
	j.lastID = lastID

	committed, err := readCommit(j.commitPath)
	if err != nil {
		return err
	}
	j.committed = committed
	if j.lastID < j.committed {
		j.lastID = j.committed
	}
	return nil
}

// scanLog walks the entry headers and returns the length of the intact
// prefix and the last id in it.
func scanLog(path string) (int64, ports.JournalEntryID, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		offset int64
		lastID ports.JournalEntryID
	)
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return 0, 0, fmt.Errorf("journal scan header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := int64(binary.BigEndian.Uint32(hdr[8:12]))

		if _, err := io.CopyN(io.Discard, r, length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return 0, 0, fmt.Errorf("journal scan body: %w", err)
		}
		offset += headerLen + length
		lastID = id
	}
}

func readCommit(path string) (ports.JournalEntryID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal commit mark: %w", err)
	}
	return ports.JournalEntryID(u), nil
}

func (j *FileJournal) Append(r *domain.Record) (ports.JournalEntryID, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, ErrClosed
	}

	id := j.lastID + 1
	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := j.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.writer.Write(b); err != nil {
		return 0, err
	}
	j.lastID = id
	j.sizeBytes += int64(headerLen + len(b))
	return id, nil
}

// Sync pushes buffered entries to stable storage. Callers sync once per
// capture rather than per record.
func (j *FileJournal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Iterate calls fn for every entry with id >= from, in order.
func (j *FileJournal) Iterate(from ports.JournalEntryID, fn func(id ports.JournalEntryID, r *domain.Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return iterateFile(j.path, from, fn)
}

func iterateFile(path string, from ports.JournalEntryID, fn func(id ports.JournalEntryID, r *domain.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd := bufio.NewReader(f)
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal truncated header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(rd, body); err != nil {
			return fmt.Errorf("journal truncated entry %d: %w", id, err)
		}
		if id < from {
			continue
		}

		var r domain.Record
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("journal entry %d: %w", id, err)
		}
		if err := fn(id, &r); err != nil {
			return err
		}
	}
}

// Commit records that every entry up to and including upto reached the
// sinks. The mark never moves backwards.
func (j *FileJournal) Commit(upto ports.JournalEntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto <= j.committed {
		return nil
	}
	j.committed = upto
	return writeFileAtomic(j.commitPath, []byte(fmt.Sprintf("%d\n", j.committed)))
}

// Compact rewrites the log without the committed entries. Ids are kept, so
// the commit mark stays valid.
func (j *FileJournal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	tmp := j.path + ".compact"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	var size int64
	err = iterateFile(j.path, j.committed+1, func(id ports.JournalEntryID, r *domain.Record) error {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var hdr [headerLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		size += int64(headerLen + len(b))
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("journal compact: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	if err := j.openLog(); err != nil {
		j.file = nil
		return err
	}
	j.sizeBytes = size
	return nil
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.lastID,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *FileJournal) Dir() string { return j.dir }

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := errors.Join(j.writer.Flush(), j.file.Sync(), j.file.Close())
	j.file = nil
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ ports.Journal = (*FileJournal)(nil)
