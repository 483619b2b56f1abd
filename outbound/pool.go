package outbound

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool owns the id → connection mapping. No ordering is promised across
// connections; within one connection sends and receives are FIFO.
type Pool struct {
	log *logrus.Entry

	mu      sync.RWMutex
	conns   map[string]*Conn
	handler Handler
}

// NewPool creates an empty Pool.
func NewPool(log *logrus.Entry) *Pool {
	return &Pool{log: log, conns: make(map[string]*Conn)}
}

// SetHandler installs the process-wide frame handler. It applies to every
// current and future connection.
func (p *Pool) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Pool) invokeHandler(id string, frame []byte) {
	p.mu.RLock()
	h := p.handler
	p.mu.RUnlock()
	if h != nil {
		h(id, frame)
	}
}

// Add registers a connection. It does not dial; call Connect on the returned
// connection or ConnectAll. An existing connection with the same id is
// stopped and replaced.
func (p *Pool) Add(cfg Config) *Conn {
	c := newConn(cfg, p.invokeHandler, p.log)

	p.mu.Lock()
	old := p.conns[cfg.ID]
	p.conns[cfg.ID] = c
	p.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return c
}

// Remove stops and drops a connection. Returns false for unknown ids.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()

	if ok {
		c.Stop()
	}
	return ok
}

// Get returns a connection by id, nil when unknown.
func (p *Pool) Get(id string) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

// List returns all connections, sorted by id.
func (p *Pool) List() []*Conn {
	p.mu.RLock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// Status returns the point-in-time status of every connection.
func (p *Pool) Status() map[string]Status {
	out := make(map[string]Status)
	for _, c := range p.List() {
		out[c.cfg.ID] = c.Status()
	}
	return out
}

// ConnectAll dials every connection concurrently and waits for the first
// attempts to settle. Failed links keep reconnecting in the background.
func (p *Pool) ConnectAll() {
	var wg sync.WaitGroup
	for _, c := range p.List() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Connect() // errors are logged by the connection
		}(c)
	}
	wg.Wait()
}

// StopAll permanently stops every connection.
func (p *Pool) StopAll() {
	for _, c := range p.List() {
		c.Stop()
	}
}

// Send enqueues a frame on the named connection.
func (p *Pool) Send(id string, frame []byte) error {
	c := p.Get(id)
	if c == nil {
		return ErrUnknownConnection
	}
	return c.Send(frame)
}

// SendAndWait sends a frame on the named connection and waits for the
// response; see Conn.SendAndWait for correlation semantics.
func (p *Pool) SendAndWait(id string, frame []byte, timeout time.Duration) ([]byte, error) {
	c := p.Get(id)
	if c == nil {
		return nil, ErrUnknownConnection
	}
	return c.SendAndWait(frame, timeout)
}
