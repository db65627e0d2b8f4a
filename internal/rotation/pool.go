// Package rotation rotates backend credentials across retried generation
// attempts.
package rotation

import (
	"errors"
	"math/rand/v2"
	"strings"
)

var ErrEmptyPool = errors.New("credential pool is empty")

// Pool is an ordered, deduplicated, non-empty credential set.
type Pool struct {
	creds []string
}

func NewPool(creds []string) (*Pool, error) {
	out := make([]string, 0, len(creds))
	seen := map[string]struct{}{}
	for _, raw := range creds {
		cred := strings.TrimSpace(raw)
		if cred == "" {
			continue
		}
		if _, ok := seen[cred]; ok {
			continue
		}
		seen[cred] = struct{}{}
		out = append(out, cred)
	}
	if len(out) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{creds: out}, nil
}

func (p *Pool) Size() int {
	return len(p.creds)
}

// Picker returns an index in [0, n).
type Picker func(n int) int

func randomPicker(n int) int {
	return rand.IntN(n)
}

// Cycle hands out credentials for one request. No credential repeats until
// every credential in the pool was handed out once.
type Cycle struct {
	pool *Pool
	pick Picker
	used map[string]struct{}
}

func (p *Pool) NewCycle(pick Picker) *Cycle {
	if pick == nil {
		pick = randomPicker
	}
	return &Cycle{pool: p, pick: pick, used: map[string]struct{}{}}
}

func (c *Cycle) Next() string {
	available := c.available()
	if len(available) == 0 {
		clear(c.used)
		available = c.available()
	}
	idx := c.pick(len(available))
	if idx < 0 || idx >= len(available) {
		idx = 0
	}
	cred := available[idx]
	c.used[cred] = struct{}{}
	return cred
}

func (c *Cycle) available() []string {
	out := make([]string, 0, len(c.pool.creds))
	for _, cred := range c.pool.creds {
		if _, ok := c.used[cred]; !ok {
			out = append(out, cred)
		}
	}
	return out
}

// Mask renders a credential for logs as its last six characters.
func Mask(cred string) string {
	if len(cred) <= 6 {
		return "..." + cred
	}
	return "..." + cred[len(cred)-6:]
}
