package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/usage"
	"github.com/rs/zerolog"
)

// Journal follows an append-only JSON lines file written by the on-device
// agent, in the same record format as a replay file. A missing file reads as
// no events.
type Journal struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	offset  int64
	partial []byte
	events  []usage.RawEvent
	current category.AppID
}

// NewJournal creates a journal source reading path.
func NewJournal(path string, logger zerolog.Logger) *Journal {
	return &Journal{
		path:   path,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// QueryEvents implements EventSource. Every journal line is served exactly
// once, as soon as it has been read and its timestamp is not after until. A
// line stamped at or before since still counts: the agent may append it late,
// and the reconciler orders and deduplicates what it is given.
func (j *Journal) QueryEvents(ctx context.Context, since, until time.Time) ([]usage.RawEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.readLocked(ctx); err != nil {
		return nil, err
	}

	var out, later []usage.RawEvent
	for _, ev := range j.events {
		if ev.Timestamp.After(until) {
			later = append(later, ev)
			continue
		}
		if !ev.Timestamp.After(since) {
			j.logger.Debug().
				Str("app", string(ev.App)).
				Time("ts", ev.Timestamp).
				Msg("Serving late journal line")
		}
		out = append(out, ev)
	}
	j.events = later
	return out, nil
}

// ForegroundApp implements ForegroundSource: the app of the latest open
// that has not been closed since.
func (j *Journal) ForegroundApp(ctx context.Context) (category.AppID, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.readLocked(ctx); err != nil {
		return "", false, err
	}
	return j.current, j.current != "", nil
}

// readLocked consumes whatever was appended since the last read. A
// truncated file is read again from the start.
func (j *Journal) readLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	if info.Size() < j.offset {
		j.logger.Info().Str("path", j.path).Msg("Journal truncated, reading from start")
		j.offset = 0
		j.partial = nil
	}
	if info.Size() == j.offset {
		return nil
	}
	if _, err := f.Seek(j.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek journal: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	j.offset += int64(len(data))

	data = append(j.partial, data...)
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		j.partial = data
		return nil
	}
	j.partial = append([]byte(nil), data[cut+1:]...)

	scanner := bufio.NewScanner(bytes.NewReader(data[:cut]))
	var added []usage.RawEvent
	for scanner.Scan() {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		ev, err := parseRecord(string(text))
		if err != nil {
			// The reconciler tolerates gaps; one bad line must not stall the stream.
			j.logger.Warn().Err(err).Msg("Skipping malformed journal line")
			continue
		}
		added = append(added, ev)
		switch ev.Type {
		case usage.EventOpen:
			j.current = ev.App
		case usage.EventClose:
			if ev.App == j.current {
				j.current = ""
			}
		}
	}
	if len(added) > 0 {
		j.events = append(j.events, added...)
		sort.SliceStable(j.events, func(a, b int) bool {
			return j.events[a].Timestamp.Before(j.events[b].Timestamp)
		})
	}
	return scanner.Err()
}
