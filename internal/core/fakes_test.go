package core

import (
	"context"
	"sync"
	"time"
)

// In-memory ledger with the same locking contract as the SQL store:
// UpdateIncomplete serializes on a mutex and buffers writes until fn
// returns nil.
type memLedger struct {
	mu           sync.Mutex
	records      map[string]*EventRecord
	outbox       []*OutboxMessage
	nextOutboxID int64
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]*EventRecord)}
}

type memLedgerTx struct {
	l      *memLedger
	staged *EventRecord
	outbox []*OutboxMessage
}

func (t *memLedgerTx) Save(rec *EventRecord) error {
	cp := *rec
	t.staged = &cp
	return nil
}

func (t *memLedgerTx) AppendOutbox(msg *OutboxMessage) error {
	cp := *msg
	t.outbox = append(t.outbox, &cp)
	return nil
}

func (l *memLedger) Register(ctx context.Context, rec *EventRecord, msg *OutboxMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *rec
	cp.CreatedAt = time.Now()
	l.records[rec.EventID] = &cp

	if msg != nil {
		l.appendOutbox(msg)
	}

	return nil
}

func (l *memLedger) appendOutbox(msg *OutboxMessage) {
	l.nextOutboxID++

	cp := *msg
	cp.ID = l.nextOutboxID
	cp.CreatedAt = time.Now()
	l.outbox = append(l.outbox, &cp)
}

func (l *memLedger) Save(ctx context.Context, rec *EventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *rec
	l.records[rec.EventID] = &cp

	return nil
}

func (l *memLedger) FindByEventID(ctx context.Context, eventID string) (*EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[eventID]

	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec

	return &cp, nil
}

func (l *memLedger) FindIncompleteByClass(ctx context.Context, eventClass string) ([]*EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*EventRecord

	for _, rec := range l.records {
		if rec.EventClass == eventClass && !rec.Completed {
			cp := *rec
			out = append(out, &cp)
		}
	}

	return out, nil
}

func (l *memLedger) UpdateIncomplete(ctx context.Context, eventID string, fn func(tx LedgerTx, rec *EventRecord) error) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[eventID]

	if !ok || rec.Completed {
		return false, nil
	}

	cp := *rec
	tx := &memLedgerTx{l: l}

	if err := fn(tx, &cp); err != nil {
		return false, err
	}

	if tx.staged != nil {
		l.records[eventID] = tx.staged
	}

	for _, msg := range tx.outbox {
		l.appendOutbox(msg)
	}

	return true, nil
}

func (l *memLedger) PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*OutboxMessage

	for _, msg := range l.outbox {
		if msg.Dispatched {
			continue
		}

		cp := *msg
		out = append(out, &cp)

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (l *memLedger) MarkOutboxDispatched(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, msg := range l.outbox {
		if msg.ID == id {
			msg.Dispatched = true
		}
	}

	return nil
}

type memProvider struct {
	mu         sync.Mutex
	entries    map[string]ScheduleEntry
	failCreate bool
}

func newMemProvider() *memProvider {
	return &memProvider{entries: make(map[string]ScheduleEntry)}
}

func (p *memProvider) ProviderType() string { return ProviderTypeRedisKafka }

func (p *memProvider) CreateSchedule(ctx context.Context, name string, dueTime time.Time, payload string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failCreate {
		return "", context.DeadlineExceeded
	}

	if _, ok := p.entries[name]; ok {
		return name, ErrScheduleConflict
	}

	p.entries[name] = ScheduleEntry{Name: name, DueTime: dueTime, Payload: payload}

	return name, nil
}

func (p *memProvider) ListSchedules(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string

	for name := range p.entries {
		out = append(out, name)
	}

	return out, nil
}

func (p *memProvider) DeleteSchedule(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.entries, name)

	return nil
}

func (p *memProvider) FetchDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ScheduleEntry

	for _, e := range p.entries {
		if !e.DueTime.After(now) {
			out = append(out, e)
		}
	}

	return out, nil
}

func (p *memProvider) ClaimDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ScheduleEntry

	for name, e := range p.entries {
		if !e.DueTime.After(now) {
			out = append(out, e)
			delete(p.entries, name)
		}
	}

	return out, nil
}

func (p *memProvider) Rearm(ctx context.Context, entry ScheduleEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[entry.Name] = entry

	return nil
}

type capturingExecutor struct {
	mu       sync.Mutex
	executed []ScheduleEntry
	fail     bool
}

func (e *capturingExecutor) Execute(ctx context.Context, entry ScheduleEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fail {
		return false
	}

	e.executed = append(e.executed, entry)

	return true
}

type stubTemplates struct {
	template Template
}

func (s *stubTemplates) Lookup(ctx context.Context, templateID int64, version *float32) (*Template, error) {
	return &s.template, nil
}

type stubDirectory struct {
	recipients []Recipient
}

func (s *stubDirectory) Resolve(ctx context.Context, userIDs []int64) ([]Recipient, error) {
	return s.recipients, nil
}

type sentMail struct {
	to      string
	subject string
}

type countingMailer struct {
	mu    sync.Mutex
	sends []sentMail
}

func (m *countingMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sends = append(m.sends, sentMail{to: to, subject: subject})

	return "msg-1", nil
}

func (m *countingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sends)
}

type historyRow struct {
	userID    int64
	messageID string
	status    string
}

type memHistory struct {
	mu   sync.Mutex
	rows []historyRow
}

func (h *memHistory) Record(ctx context.Context, userID int64, messageID, body, status string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rows = append(h.rows, historyRow{userID: userID, messageID: messageID, status: status})

	return nil
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.rows)
}
