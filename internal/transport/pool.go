package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxConnections  = 5
	DefaultMaxMessages     = 100
	DefaultVerifyTimeout   = 15 * time.Second
	DefaultSendTimeout     = 60 * time.Second
	DefaultCleanupInterval = time.Minute
)

type options struct {
	ttl             time.Duration
	maxConnections  int
	maxMessages     int
	verifyTimeout   time.Duration
	sendTimeout     time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// Option configures a Pool.
type Option func(*options)

// WithTTL sets how long an unused handle stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxConnections caps concurrent sessions per sender.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnections = n
		}
	}
}

// WithMaxMessages sets how many messages a session submits before it is
// replaced.
func WithMaxMessages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

func WithVerifyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.verifyTimeout = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithCleanupInterval sets the janitor period. Zero disables the janitor.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Pool caches one verified connection handle per sender address.
type Pool struct {
	dialer Dialer
	logger *slog.Logger
	opts   options
	group  singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	done   chan struct{}
}

// NewPool creates a pool and starts its idle janitor.
func NewPool(dialer Dialer, logger *slog.Logger, opts ...Option) *Pool {
	o := options{
		ttl:             DefaultTTL,
		maxConnections:  DefaultMaxConnections,
		maxMessages:     DefaultMaxMessages,
		verifyTimeout:   DefaultVerifyTimeout,
		sendTimeout:     DefaultSendTimeout,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		dialer: dialer,
		logger: logger,
		opts:   o,
		conns:  make(map[string]*Conn),
		done:   make(chan struct{}),
	}
	if o.cleanupInterval > 0 {
		go p.janitor()
	}
	return p
}

// Acquire returns the cached handle for cred or opens and verifies a new one.
// Concurrent callers for the same credential share one verification.
func (p *Pool) Acquire(ctx context.Context, cred Credential) (*Conn, error) {
	key := normalizeEmail(cred.Email)
	if key == "" || cred.Secret == "" {
		return nil, &Error{Kind: KindAuth, Op: "acquire", Err: ErrInvalidCredential}
	}
	fp := fingerprint(cred.Secret)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var stale *Conn
	if c, ok := p.conns[key]; ok {
		if p.usableLocked(c, fp) {
			p.mu.Unlock()
			return c, nil
		}
		delete(p.conns, key)
		stale = c
	}
	p.mu.Unlock()

	if stale != nil {
		p.logger.Debug("smtp connection replaced", "sender", key)
		stale.close()
	}

	ch := p.group.DoChan(key+"|"+fp, func() (any, error) {
		return p.connect(cred, key, fp)
	})
	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindConnect, Op: "acquire", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

func (p *Pool) connect(cred Credential, key, fp string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[key]; ok && p.usableLocked(c, fp) {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.verifyTimeout)
	defer cancel()

	sess, err := p.dialer.Dial(ctx, cred)
	if err != nil {
		p.logger.Warn("smtp connection failed", "sender", key, "error", err)
		return nil, classify("connect", err)
	}
	if err := sess.Verify(ctx); err != nil {
		_ = sess.Close()
		p.logger.Warn("smtp verification failed", "sender", key, "error", err)
		return nil, classify("verify", err)
	}

	now := p.opts.now()
	c := &Conn{
		owner:       key,
		fingerprint: fp,
		cred:        cred,
		dialer:      p.dialer,
		maxMessages: p.opts.maxMessages,
		slots:       make(chan struct{}, p.opts.maxConnections),
		idle:        []*pooledSession{{Session: sess}},
		verifiedAt:  now,
		lastUsed:    now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close()
		return nil, ErrPoolClosed
	}
	old := p.conns[key]
	p.conns[key] = c
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	p.logger.Info("smtp connection verified", "sender", key)
	return c, nil
}

func (p *Pool) usableLocked(c *Conn, fp string) bool {
	if c.fingerprint != fp {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && p.opts.now().Sub(c.lastUsed) < p.opts.ttl
}

// Send submits msg over c. The call waits for a free slot, reuses an idle
// session or dials a new one, and is bounded by the pool send timeout.
// Auth failures evict c and come back as terminal errors.
func (p *Pool) Send(ctx context.Context, c *Conn, msg Message) error {
	if c == nil {
		return &Error{Kind: KindConnect, Op: "send", Err: ErrConnClosed}
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.sendTimeout)
	defer cancel()

	sess, err := c.take(ctx)
	if err != nil {
		err = classify("send", err)
		if IsTerminal(err) {
			p.evict(c)
		}
		return err
	}

	err = sess.Send(ctx, msg)
	now := p.opts.now()
	if err == nil {
		sess.sent++
		c.put(sess, true, now)
		return nil
	}

	err = classify("send", err)
	switch KindOf(err) {
	case KindUnknown:
		c.put(sess, sess.Reset() == nil, now)
	case KindAuth:
		c.put(sess, false, now)
		p.evict(c)
		p.logger.Warn("smtp credential rejected", "sender", c.owner, "error", err)
	default:
		c.put(sess, false, now)
	}
	return err
}

func (p *Pool) evict(c *Conn) {
	p.mu.Lock()
	if cur, ok := p.conns[c.owner]; ok && cur == c {
		delete(p.conns, c.owner)
	}
	p.mu.Unlock()
	c.close()
}

// Evict drops the cached handle for email, if any.
func (p *Pool) Evict(email string) bool {
	key := normalizeEmail(email)
	p.mu.Lock()
	c, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if ok {
		c.close()
	}
	return ok
}

// EvictAll closes every cached handle and empties the pool. Sends already in
// flight finish on their session, which is then closed.
func (p *Pool) EvictAll() int {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		p.logger.Info("smtp connections evicted", "count", len(conns))
	}
	return len(conns)
}

// Len returns the number of cached handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops the janitor and evicts every handle. It is safe to call twice.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.EvictAll()
	return nil
}

func (p *Pool) janitor() {
	ticker := time.NewTicker(p.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := p.evictIdle(); n > 0 {
				p.logger.Debug("idle smtp connections evicted", "count", n)
			}
		case <-p.done:
			return
		}
	}
}

func (p *Pool) evictIdle() int {
	now := p.opts.now()
	var expired []*Conn

	p.mu.Lock()
	for key, c := range p.conns {
		c.mu.Lock()
		idle := now.Sub(c.lastUsed) >= p.opts.ttl && c.inFlight == 0
		c.mu.Unlock()
		if idle {
			delete(p.conns, key)
			expired = append(expired, c)
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		c.close()
	}
	return len(expired)
}

// Conn is a verified per-sender handle. It owns up to MaxConnections SMTP
// sessions and hands them out one send at a time.
type Conn struct {
	owner       string
	fingerprint string
	cred        Credential
	dialer      Dialer
	maxMessages int
	slots       chan struct{}
	verifiedAt  time.Time

	mu       sync.Mutex
	idle     []*pooledSession
	inFlight int
	lastUsed time.Time
	closed   bool
}

type pooledSession struct {
	Session
	sent int
}

// Owner returns the normalized sender address.
func (c *Conn) Owner() string { return c.owner }

func (c *Conn) VerifiedAt() time.Time { return c.verifiedAt }

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) take(ctx context.Context) (*pooledSession, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &Error{Kind: KindConnect, Op: "send", Err: fmt.Errorf("wait for session: %w", ctx.Err())}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.slots
		return nil, &Error{Kind: KindConnect, Op: "send", Err: ErrConnClosed}
	}
	c.inFlight++
	if n := len(c.idle); n > 0 {
		sess := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx, c.cred)
	if err != nil {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
		<-c.slots
		return nil, err
	}
	return &pooledSession{Session: sess}, nil
}

func (c *Conn) put(sess *pooledSession, reuse bool, now time.Time) {
	c.mu.Lock()
	c.inFlight--
	c.lastUsed = now
	keep := reuse && !c.closed && sess.sent < c.maxMessages
	if keep {
		c.idle = append(c.idle, sess)
	}
	c.mu.Unlock()

	if !keep {
		_ = sess.Close()
	}
	<-c.slots
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	idle := c.idle
	c.idle = nil
	c.mu.Unlock()

	for _, sess := range idle {
		_ = sess.Close()
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
