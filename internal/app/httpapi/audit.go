package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/events"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

const defaultChangeHistory = 200

// Resources recorded by the change log.
const (
	resourceConnection   = "connection"
	resourceCounterparty = "counterparty"
	resourceRouter       = "router"
	resourceVerifier     = "verifier"
)

// configChange is one operator write to gateway settings together with the value it replaced.
// Before is omitted when the key had no value.
type configChange struct {
	Time       time.Time       `json:"time"`
	RequestID  string          `json:"request_id,omitempty"`
	Resource   string          `json:"resource"`
	Key        string          `json:"key"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
}

// changeLog keeps recent configuration changes in memory and, with a path, appends each one to
// a JSON-lines file that is replayed when the log is reopened.
type changeLog struct {
	mu      sync.Mutex
	history []configChange
	max     int
	file    *os.File
	journal *events.RingBuffer
	log     *logger.Logger
}

func openChangeLog(path string, max int, journal *events.RingBuffer, log *logger.Logger) (*changeLog, error) {
	if max <= 0 {
		max = defaultChangeHistory
	}
	c := &changeLog{max: max, journal: journal, log: log}
	if path == "" {
		return c, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	if err := c.replay(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

func (c *changeLog) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	line := 0
	for scanner.Scan() {
		line++
		var change configChange
		if err := json.Unmarshal(scanner.Bytes(), &change); err != nil {
			c.log.WithError(err).WithField("line", line).Warn("skipping unreadable change record")
			continue
		}
		c.append(change)
	}
	return scanner.Err()
}

func (c *changeLog) append(change configChange) {
	c.history = append(c.history, change)
	if len(c.history) > c.max {
		c.history = c.history[len(c.history)-c.max:]
	}
}

// record stores a change of resource/key from before to after. A nil before means the key was
// unset. Persisting is best effort; the write it describes has already happened.
func (c *changeLog) record(ctx context.Context, remoteAddr, resource, key string, before, after interface{}) {
	change := configChange{
		Time:       time.Now().UTC(),
		RequestID:  events.RequestID(ctx),
		Resource:   resource,
		Key:        key,
		RemoteAddr: remoteAddr,
	}
	var err error
	if before != nil {
		if change.Before, err = json.Marshal(before); err != nil {
			c.log.WithError(err).Warn("encode previous value")
		}
	}
	if change.After, err = json.Marshal(after); err != nil {
		c.log.WithError(err).Warn("encode new value")
	}

	c.mu.Lock()
	c.append(change)
	if c.file != nil {
		if err := json.NewEncoder(c.file).Encode(change); err != nil {
			c.log.WithError(err).WithField("resource", resource).Warn("persist config change")
		}
	}
	c.mu.Unlock()

	if c.journal != nil {
		c.journal.LogWithContext(ctx, events.Entry{
			Type: events.TypeConfigChanged,
			Op:   resource,
			Name: key,
		})
	}
}

// last returns up to limit of the most recent changes, oldest first.
func (c *changeLog) last(limit int) []configChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]configChange, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

func (c *changeLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
