package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/sumdb"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"talosgateway/pkg/utils/fileutil"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	defaultRetryTimeout  = 2 * time.Second
)

var _ Journal = (*FsJournal)(nil)

// FsJournal appends entries as json lines to one file. Writers take an exclusive flock, a file
// locked by another process is retried until the retry timeout.
type FsJournal struct {
	mu            sync.Mutex
	path          string
	retryInterval time.Duration
	retryTimeout  time.Duration
}

func NewFsJournal(path string) (*FsJournal, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		absPath, _ := filepath.Abs(dir)
		klog.V(2).InfoS("Created", "path", absPath)
		if err = os.MkdirAll(dir, 0711); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &FsJournal{
		path:          path,
		retryInterval: defaultRetryInterval,
		retryTimeout:  defaultRetryTimeout,
	}, nil
}

func (j *FsJournal) Record(ctx context.Context, entry *Entry) error {
	fill(entry)
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.append(entry)
	if !errors.Is(err, sumdb.ErrWriteConflict) {
		return err
	}
	c, cancel := context.WithTimeout(ctx, j.retryTimeout)
	defer cancel()
	wait.UntilWithContext(c, func(ctx context.Context) {
		if err = j.append(entry); !errors.Is(err, sumdb.ErrWriteConflict) {
			cancel()
			return
		}
		klog.V(4).InfoS("Journal locked, retrying", "path", j.path)
	}, j.retryInterval)
	return err
}

func (j *FsJournal) append(entry *Entry) error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		if isEphemeralError(err) {
			return sumdb.ErrWriteConflict
		}
		klog.V(2).InfoS("Failed to open file", "err", err)
		return err
	}
	defer f.Close()

	lock, err := fileutil.NewLock(f)
	if err != nil {
		klog.V(2).InfoS("Failed to lock", "err", err)
		return sumdb.ErrWriteConflict
	}
	defer lock.Release()

	if err = json.NewEncoder(f).Encode(entry); err != nil {
		klog.V(2).InfoS("Failed to encode", "err", err)
		return err
	}
	return nil
}

func (j *FsJournal) List(_ context.Context, limit int) ([]*Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry := &Entry{}
		if err = json.Unmarshal(scanner.Bytes(), entry); err != nil {
			klog.V(2).InfoS("Skip malformed journal line", "path", j.path, "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	return newestFirst(entries, limit), nil
}

func (j *FsJournal) Close() error {
	return nil
}

func fill(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
}

func newestFirst(entries []*Entry, limit int) []*Entry {
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}
