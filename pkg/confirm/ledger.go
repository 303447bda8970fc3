// Package confirm implements the confirmation ledger that gates
// destructive operations.
//
// A caller previews a destructive operation, receives a one-shot token,
// and re-invokes the operation with the token to execute it. Tokens are
// bound to the exact action and parameters they were issued for, expire
// after a short TTL, and are consumed on use, so a token can never
// authorize a different operation or the same operation twice.
//
// The ledger is process-local state guarded by a mutex, with a background
// sweeper that evicts expired entries.
package confirm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 60 * time.Second

// sweepInterval is how often the background sweeper evicts expired
// tokens.
const sweepInterval = 5 * time.Second

type entry struct {
	action   string
	digest   string
	issuedAt time.Time
	expires  time.Time
}

// Stats reports ledger state for observability.
type Stats struct {
	Pending  int   `json:"pending"`
	Issued   int64 `json:"issued"`
	Consumed int64 `json:"consumed"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

// Ledger issues and validates one-shot confirmation tokens.
// Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	issued   int64
	consumed int64
	expired  int64
	rejected int64

	done chan struct{}
	once sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// NewLedger creates a ledger with the given TTL (DefaultTTL when zero)
// and starts its sweeper. Call Close on teardown.
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Ledger{
		entries: make(map[string]entry),
		ttl:     ttl,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweep()
	return l
}

// Issue mints a token bound to (action, params). The params digest is a
// SHA-256 over a canonical JSON encoding, so key order in the caller's
// map does not matter.
func (l *Ledger) Issue(action string, params map[string]any) string {
	token := newToken()
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[token] = entry{
		action:   action,
		digest:   paramsDigest(params),
		issuedAt: now,
		expires:  now.Add(l.ttl),
	}
	l.issued++
	return token
}

// Validate reports whether token authorizes (action, params) right now.
// It fails on expiry, action or params mismatch, and prior consumption.
// Validate does not consume the token.
func (l *Ledger) Validate(token, action string, params map[string]any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[token]
	if !ok {
		l.rejected++
		return false
	}
	if l.now().UTC().After(e.expires) {
		delete(l.entries, token)
		l.expired++
		l.rejected++
		return false
	}
	if e.action != action || e.digest != paramsDigest(params) {
		l.rejected++
		return false
	}
	return true
}

// Consume removes the token. Returns false if it was absent (already
// consumed, expired and swept, or never issued).
func (l *Ledger) Consume(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[token]; !ok {
		return false
	}
	delete(l.entries, token)
	l.consumed++
	return true
}

// TTL returns the ledger's token lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Stats returns a snapshot of ledger counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Pending:  len(l.entries),
		Issued:   l.issued,
		Consumed: l.consumed,
		Expired:  l.expired,
		Rejected: l.rejected,
	}
}

// Close stops the sweeper. Idempotent.
func (l *Ledger) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Ledger) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := l.now().UTC()
			l.mu.Lock()
			for token, e := range l.entries {
				if now.After(e.expires) {
					delete(l.entries, token)
					l.expired++
				}
			}
			l.mu.Unlock()
		}
	}
}

// newToken returns a 128-bit random token in hex.
func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// there is no sane fallback.
		panic("confirm: entropy source unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// paramsDigest canonicalizes params (sorted keys, JSON values) and
// hashes the result.
func paramsDigest(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		data, err := json.Marshal(params[k])
		if err != nil {
			data = []byte("?")
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
