package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
)

const (
	// logPageSize is the fixed page granularity for stored job logs.
	logPageSize = 64 * 1024
	// logRingCap bounds the retained log bytes per job; older pages are
	// evicted once the cap is exceeded.
	logRingCap = 8 * 1024 * 1024

	logMetaPrefix = "joblog:"
	logMetaSuffix = ":meta"
)

type logMeta struct {
	// HeadPage is the oldest retained page index.
	HeadPage int64 `json:"head_page"`
	// Size is the total number of bytes ever appended; the tail page is
	// Size/logPageSize and may be partial.
	Size int64 `json:"size"`
}

// logPager stores job log streams as fixed-size pages in the KV store so
// clients can resume reads from a byte offset after a disconnect.
type logPager struct {
	store kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLogPager(store kv.Store) *logPager {
	return &logPager{store: store, locks: map[string]*sync.Mutex{}}
}

func (p *logPager) lock(jobID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		p.locks[jobID] = m
	}
	return m
}

func logPageKey(jobID string, page int64) string {
	return fmt.Sprintf("joblog:%s:%d", jobID, page)
}

func logMetaKey(jobID string) string {
	return logMetaPrefix + jobID + logMetaSuffix
}

func (p *logPager) meta(ctx context.Context, jobID string) (*logMeta, error) {
	raw, err := p.store.Get(ctx, logMetaKey(jobID))
	if err == kv.ErrNotFound {
		return &logMeta{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m logMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "corrupt log meta %s", jobID)
	}
	return &m, nil
}

func (p *logPager) putMeta(ctx context.Context, jobID string, m *logMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal log meta")
	}
	return p.store.Set(ctx, logMetaKey(jobID), string(raw), 0)
}

// Append writes a chunk to the end of the job's log stream, splitting it
// across page boundaries and evicting the oldest pages past the ring cap.
func (p *logPager) Append(ctx context.Context, jobID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	l := p.lock(jobID)
	l.Lock()
	defer l.Unlock()

	meta, err := p.meta(ctx, jobID)
	if err != nil {
		return err
	}

	for len(chunk) > 0 {
		page := meta.Size / logPageSize
		used := meta.Size % logPageSize
		room := logPageSize - used
		n := int64(len(chunk))
		if n > room {
			n = room
		}

		var existing string
		if used > 0 {
			existing, err = p.store.Get(ctx, logPageKey(jobID, page))
			if err != nil && err != kv.ErrNotFound {
				return err
			}
		}
		if err := p.store.Set(ctx, logPageKey(jobID, page), existing+string(chunk[:n]), 0); err != nil {
			return err
		}
		meta.Size += n
		chunk = chunk[n:]
	}

	// Evict whole pages that fell out of the retention window.
	for meta.Size-meta.HeadPage*logPageSize > logRingCap {
		if err := p.store.Delete(ctx, logPageKey(jobID, meta.HeadPage)); err != nil {
			return err
		}
		meta.HeadPage++
	}
	return p.putMeta(ctx, jobID, meta)
}

// Read returns the log bytes at the given stream offset and the offset to
// continue from. Offsets below the retention window are clamped forward;
// an offset at or past the end returns no data.
func (p *logPager) Read(ctx context.Context, jobID string, offset int64) ([]byte, int64, error) {
	if offset < 0 {
		return nil, 0, errs.New(errs.KindInvalidInput, "negative log offset %d", offset)
	}
	meta, err := p.meta(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	head := meta.HeadPage * logPageSize
	if offset < head {
		offset = head
	}
	if offset >= meta.Size {
		return nil, meta.Size, nil
	}

	var out []byte
	for offset < meta.Size {
		page := offset / logPageSize
		raw, err := p.store.Get(ctx, logPageKey(jobID, page))
		if err == kv.ErrNotFound {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		skip := offset - page*logPageSize
		if skip >= int64(len(raw)) {
			break
		}
		out = append(out, raw[skip:]...)
		offset += int64(len(raw)) - skip
	}
	return out, offset, nil
}

// Delete removes all stored pages and the meta record for a job
func (p *logPager) Delete(ctx context.Context, jobID string) error {
	meta, err := p.meta(ctx, jobID)
	if err != nil {
		return err
	}
	keys := []string{logMetaKey(jobID)}
	last := meta.Size / logPageSize
	for page := meta.HeadPage; page <= last; page++ {
		keys = append(keys, logPageKey(jobID, page))
	}
	return p.store.Delete(ctx, keys...)
}
