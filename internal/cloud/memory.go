package cloud

import (
	"context"
	"encoding/binary"
	"sync"
)

// Op names a Provider call, for fault injection and call counting.
type Op int

const (
	OpAddCommits Op = iota
	OpWatchCommits
	OpRecv
	OpAddObject
	OpGetObject
)

func (o Op) String() string {
	switch o {
	case OpAddCommits:
		return "AddCommits"
	case OpWatchCommits:
		return "WatchCommits"
	case OpRecv:
		return "Recv"
	case OpAddObject:
		return "AddObject"
	case OpGetObject:
		return "GetObject"
	default:
		return "Op(?)"
	}
}

// Fault decides whether a call fails. name is the object name for object
// calls and empty otherwise. A nil return lets the call proceed.
type Fault func(op Op, page, name string) error

// Memory is an in-process relay. Pages share nothing; records of a page are
// delivered to every watcher in the order they were added.
type Memory struct {
	mu         sync.Mutex
	pages      map[string]*memoryPage
	authorize  func(token string) bool
	fault      Fault
	calls      map[Op]int
	objectPuts map[string]int
}

type memoryPage struct {
	log     []Record
	known   map[string]struct{}
	objects map[string][]byte
	changed chan struct{}
}

// NewMemory returns an empty relay that accepts any token.
func NewMemory() *Memory {
	return &Memory{
		pages:      make(map[string]*memoryPage),
		calls:      make(map[Op]int),
		objectPuts: make(map[string]int),
	}
}

// SetAuthorizer installs a token check. Calls with a rejected token fail
// with AUTH_ERROR.
func (m *Memory) SetAuthorizer(fn func(token string) bool) {
	m.mu.Lock()
	m.authorize = fn
	m.mu.Unlock()
}

// SetFault installs f, replacing any previous fault. nil clears it.
func (m *Memory) SetFault(f Fault) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// Calls returns how many times op was attempted.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ObjectUploads returns how many times an object name was successfully
// uploaded.
func (m *Memory) ObjectUploads(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objectPuts[name]
}

// Records returns a copy of a page's commit log.
func (m *Memory) Records(page string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.page(page).log...)
}

// ObjectCount returns the number of objects stored for page.
func (m *Memory) ObjectCount(page string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.page(page).objects)
}

func (m *Memory) page(id string) *memoryPage {
	p, ok := m.pages[id]
	if !ok {
		p = &memoryPage{
			known:   make(map[string]struct{}),
			objects: make(map[string][]byte),
			changed: make(chan struct{}),
		}
		m.pages[id] = p
	}
	return p
}

// begin counts the call and applies the authorizer and fault. Callers hold mu.
func (m *Memory) begin(op Op, page, token, name string) error {
	m.calls[op]++
	if m.authorize != nil && !m.authorize(token) {
		return &Error{Status: AuthError, Op: op.String()}
	}
	if m.fault != nil {
		if err := m.fault(op, page, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) AddCommits(ctx context.Context, page, token string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return &Error{Status: NetworkError, Op: OpAddCommits.String(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpAddCommits, page, token, ""); err != nil {
		return err
	}

	p := m.page(page)
	added := false
	for _, r := range records {
		if _, ok := p.known[r.Name]; ok {
			continue
		}
		p.known[r.Name] = struct{}{}
		p.log = append(p.log, Record{Name: r.Name, Data: append([]byte(nil), r.Data...)})
		added = true
	}
	if added {
		close(p.changed)
		p.changed = make(chan struct{})
	}
	return nil
}

func (m *Memory) WatchCommits(ctx context.Context, page, token string, cursor []byte) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Status: NetworkError, Op: OpWatchCommits.String(), Err: err}
	}
	var next uint64
	switch len(cursor) {
	case 0:
	case 8:
		next = binary.BigEndian.Uint64(cursor)
	default:
		return nil, Errorf(ParseError, OpWatchCommits.String(), "cursor of %d bytes", len(cursor))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpWatchCommits, page, token, ""); err != nil {
		return nil, err
	}
	return &memoryStream{m: m, page: page, next: next, done: make(chan struct{})}, nil
}

func (m *Memory) AddObject(ctx context.Context, page, token, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &Error{Status: NetworkError, Op: OpAddObject.String(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpAddObject, page, token, name); err != nil {
		return err
	}
	p := m.page(page)
	if _, ok := p.objects[name]; !ok {
		p.objects[name] = append([]byte(nil), data...)
	}
	m.objectPuts[name]++
	return nil
}

func (m *Memory) GetObject(ctx context.Context, page, token, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Status: NetworkError, Op: OpGetObject.String(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetObject, page, token, name); err != nil {
		return nil, err
	}
	data, ok := m.page(page).objects[name]
	if !ok {
		return nil, Errorf(NotFound, OpGetObject.String(), "object %s", name)
	}
	return append([]byte(nil), data...), nil
}

type memoryStream struct {
	m    *Memory
	page string
	next uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memoryStream) Recv(ctx context.Context) (Batch, error) {
	for {
		s.m.mu.Lock()
		s.m.calls[OpRecv]++
		if s.m.fault != nil {
			if err := s.m.fault(OpRecv, s.page, ""); err != nil {
				s.m.mu.Unlock()
				return Batch{}, err
			}
		}
		p := s.m.page(s.page)
		if s.next < uint64(len(p.log)) {
			records := append([]Record(nil), p.log[s.next:]...)
			s.next = uint64(len(p.log))
			s.m.mu.Unlock()

			cursor := make([]byte, 8)
			binary.BigEndian.PutUint64(cursor, s.next)
			return Batch{Records: records, Cursor: cursor}, nil
		}
		changed := p.changed
		s.m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Batch{}, &Error{Status: NetworkError, Op: OpRecv.String(), Err: ctx.Err()}
		case <-s.done:
			return Batch{}, Errorf(NetworkError, OpRecv.String(), "stream closed")
		case <-changed:
		}
	}
}

func (s *memoryStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
