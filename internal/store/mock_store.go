// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and counts writes for assertions

package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu sync.RWMutex

	// connections is keyed by "tenant:platform"; threads and messages by
	// "tenant|id"; seenMsgs by "tenant|thread|id".
	connections map[string]*Connection
	threads     map[string]*Thread
	messages    map[string][]*Message
	seenMsgs    map[string]struct{}
	owners      map[string]string
	ownedAt     map[string]time.Time
	linkCodes   map[string]*LinkCode
	autoReplies map[string]*AutoReply

	writes     int
	failWrites error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections: make(map[string]*Connection),
		threads:     make(map[string]*Thread),
		messages:    make(map[string][]*Message),
		owners:      make(map[string]string),
		ownedAt:     make(map[string]time.Time),
		linkCodes:   make(map[string]*LinkCode),
		autoReplies: make(map[string]*AutoReply),
		seenMsgs:    make(map[string]struct{}),
	}
}

// Writes returns the number of successful mutating calls made so far.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// FailWrites makes every subsequent mutating call return err. Pass nil to clear.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// Messages returns every stored message of a thread, oldest first.
func (m *MockStore) Messages(tenantID, threadID string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[tenantKey(tenantID, threadID)]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result
}

func tenantKey(tenantID, id string) string {
	return tenantID + "|" + id
}

func (m *MockStore) beginWrite() error {
	if m.failWrites != nil {
		return m.failWrites
	}
	m.writes++
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// GetConnection retrieves a connection record.
func (m *MockStore) GetConnection(ctx context.Context, tenantID, platform string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[tenantID+":"+platform]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	result.Fields = maps.Clone(c.Fields)
	return &result, nil
}

// SetConnection writes a connection record, merging fields when asked.
func (m *MockStore) SetConnection(ctx context.Context, tenantID, platform string, fields map[string]string, merge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}

	key := tenantID + ":" + platform
	merged := make(map[string]string, len(fields))
	if existing, ok := m.connections[key]; ok && merge {
		maps.Copy(merged, existing.Fields)
	}
	maps.Copy(merged, fields)

	m.connections[key] = &Connection{
		TenantID:  tenantID,
		Platform:  platform,
		Fields:    merged,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// DeleteConnection removes a connection record.
func (m *MockStore) DeleteConnection(ctx context.Context, tenantID, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}
	delete(m.connections, tenantID+":"+platform)
	return nil
}

// ListConnections returns every record for a platform, ordered by tenant.
func (m *MockStore) ListConnections(ctx context.Context, platform string) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []*Connection
	for _, c := range m.connections {
		if c.Platform != platform {
			continue
		}
		result := *c
		result.Fields = maps.Clone(c.Fields)
		conns = append(conns, &result)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].TenantID < conns[j].TenantID })
	return conns, nil
}

// SaveThread creates or updates a thread.
func (m *MockStore) SaveThread(ctx context.Context, tenantID string, thread *Thread, merge bool) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}

	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = time.Now().UTC()
	}

	key := tenantKey(tenantID, thread.ID)
	existing, ok := m.threads[key]
	if !ok || !merge {
		t := *thread
		t.TenantID = tenantID
		t.Tags = slices.Clone(thread.Tags)
		t.Messages = nil
		m.threads[key] = &t
		return nil
	}

	if thread.Platform != "" {
		existing.Platform = thread.Platform
	}
	if thread.ExternalID != "" {
		existing.ExternalID = thread.ExternalID
	}
	if thread.Name != "" {
		existing.Name = thread.Name
	}
	if thread.Avatar != "" {
		existing.Avatar = thread.Avatar
	}
	if len(thread.Tags) > 0 {
		existing.Tags = slices.Clone(thread.Tags)
	}
	return nil
}

// GetThread retrieves a thread without messages.
func (m *MockStore) GetThread(ctx context.Context, tenantID, threadID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[tenantKey(tenantID, threadID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	result.Tags = slices.Clone(t.Tags)
	return &result, nil
}

// SaveMessage appends a message and refreshes the thread preview.
func (m *MockStore) SaveMessage(ctx context.Context, tenantID, threadID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Direction == "" {
		msg.Direction = DirectionInbound
	}
	if msg.Status == "" {
		if msg.Direction == DirectionOutbound {
			msg.Status = DeliverySent
		} else {
			msg.Status = DeliveryReceived
		}
	}
	msg.ThreadID = threadID

	seenKey := tenantKey(tenantID, threadID+"|"+msg.ID)
	if _, dup := m.seenMsgs[seenKey]; dup {
		return nil
	}
	m.seenMsgs[seenKey] = struct{}{}

	key := tenantKey(tenantID, threadID)
	msgCopy := *msg
	m.messages[key] = append(m.messages[key], &msgCopy)

	t, ok := m.threads[key]
	if !ok {
		platform, externalID := SplitThreadID(threadID)
		t = &Thread{ID: threadID, TenantID: tenantID, Platform: platform, ExternalID: externalID}
		m.threads[key] = t
	}
	t.Unread = msg.Direction == DirectionInbound
	t.LastMessage = msg.Text
	if msg.Timestamp.After(t.UpdatedAt) {
		t.UpdatedAt = msg.Timestamp
	}
	return nil
}

// GetInbox returns recent threads with their latest messages.
func (m *MockStore) GetInbox(ctx context.Context, tenantID, platform string) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []*Thread
	for _, t := range m.threads {
		if t.TenantID != tenantID {
			continue
		}
		if platform != "" && t.Platform != platform {
			continue
		}
		threadCopy := *t
		threadCopy.Tags = slices.Clone(t.Tags)
		threads = append(threads, &threadCopy)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if len(threads) > InboxPageSize {
		threads = threads[:InboxPageSize]
	}

	for _, t := range threads {
		msgs := m.messages[tenantKey(tenantID, t.ID)]
		if len(msgs) > InboxMessageWindow {
			msgs = msgs[len(msgs)-InboxMessageWindow:]
		}
		t.Messages = make([]*Message, len(msgs))
		for i, msg := range msgs {
			msgCopy := *msg
			t.Messages[i] = &msgCopy
		}
	}
	return threads, nil
}

// SetOwner maps an external conversation to a tenant.
func (m *MockStore) SetOwner(ctx context.Context, externalID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}
	m.owners[externalID] = tenantID
	m.ownedAt[externalID] = time.Now()
	return nil
}

// GetOwner returns the owning tenant of an external conversation.
func (m *MockStore) GetOwner(ctx context.Context, externalID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenantID, ok := m.owners[externalID]
	if !ok {
		return "", ErrNotFound
	}
	return tenantID, nil
}

// DeleteOwner removes an ownership mapping.
func (m *MockStore) DeleteOwner(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}
	delete(m.owners, externalID)
	delete(m.ownedAt, externalID)
	return nil
}

// ListOwned returns the external ids owned by a tenant, oldest link first.
func (m *MockStore) ListOwned(ctx context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, owner := range m.owners {
		if owner == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.ownedAt[ids[i]].Before(m.ownedAt[ids[j]]) })
	return ids, nil
}

// CreateLinkCode stores a link code.
func (m *MockStore) CreateLinkCode(ctx context.Context, code *LinkCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	c := *code
	m.linkCodes[c.Code] = &c
	return nil
}

// ConsumeLinkCode returns and deletes a link code.
func (m *MockStore) ConsumeLinkCode(ctx context.Context, code string) (*LinkCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lc, ok := m.linkCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.linkCodes, code)
	m.writes++
	if time.Now().After(lc.ExpiresAt) {
		return nil, ErrLinkCodeExpired
	}
	result := *lc
	return &result, nil
}

// GetAutoReply returns a tenant's auto-reply settings.
func (m *MockStore) GetAutoReply(ctx context.Context, tenantID string) (*AutoReply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ar, ok := m.autoReplies[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *ar
	return &result, nil
}

// SetAutoReply stores a tenant's auto-reply settings.
func (m *MockStore) SetAutoReply(ctx context.Context, ar *AutoReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginWrite(); err != nil {
		return err
	}
	ar.UpdatedAt = time.Now().UTC()
	result := *ar
	m.autoReplies[ar.TenantID] = &result
	return nil
}
