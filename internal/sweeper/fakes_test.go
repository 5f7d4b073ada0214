package sweeper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/socialbank/internal/notify"
	"github.com/p-blackswan/socialbank/internal/session"
)

// memStore is an in-memory session.Store with failure injection.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	findCalls int
	findErrAt int // 1-based FindStale call that fails; 0 disables
	findErr   error
	onFindErr func() // runs just before the injected error is returned

	markErr    map[string]error
	beforeMark func(id string)
	marked     []string
}

func newMemStore(sessions ...session.Session) *memStore {
	m := &memStore{sessions: make(map[string]*session.Session), markErr: make(map[string]error)}
	for i := range sessions {
		s := sessions[i]
		m.sessions[s.ID] = &s
	}
	return m
}

func (m *memStore) FindStale(_ context.Context, cutoff time.Time, afterID string, limit int) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.findCalls++
	if m.findErrAt > 0 && m.findCalls == m.findErrAt {
		if m.onFindErr != nil {
			m.onFindErr()
		}
		return nil, m.findErr
	}

	var ids []string
	for id, s := range m.sessions {
		if s.IsStale(cutoff) && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]session.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.sessions[id])
	}
	return out, nil
}

func (m *memStore) MarkExpired(_ context.Context, id string, cutoff time.Time) (bool, error) {
	if m.beforeMark != nil {
		m.beforeMark(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.markErr[id]; err != nil {
		return false, err
	}
	s, ok := m.sessions[id]
	if !ok || !s.IsStale(cutoff) {
		return false, nil
	}
	s.Status = session.StatusExpired
	m.marked = append(m.marked, id)
	return true, nil
}

func (m *memStore) status(id string) session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

func (m *memStore) touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id].UpdatedAt = at
}

// recordingNotifier records sent messages and fails for chosen recipients.
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []notify.Message
	failTo map[string]error
	onSend func(ctx context.Context, msg notify.Message) error
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	if n.onSend != nil {
		if err := n.onSend(ctx, msg); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failTo[msg.To]; err != nil {
		return err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.To)
	}
	return out
}

type memAuditor struct {
	mu      sync.Mutex
	entries []session.AuditEntry
}

func (a *memAuditor) LogAudit(_ context.Context, e session.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	sessions map[string]int
	runs     []string
}

func (c *countingMetrics) RecordSession(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		c.sessions = make(map[string]int)
	}
	c.sessions[outcome]++
}

func (c *countingMetrics) RecordRun(result string, _ time.Duration, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, result)
}

// logLines decodes zerolog JSON output.
func logLines(buf *bytes.Buffer) []map[string]any {
	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if json.Unmarshal(sc.Bytes(), &m) == nil {
			lines = append(lines, m)
		}
	}
	return lines
}

func linesAt(buf *bytes.Buffer, level string) []map[string]any {
	var out []map[string]any
	for _, l := range logLines(buf) {
		if l["level"] == level {
			out = append(out, l)
		}
	}
	return out
}
