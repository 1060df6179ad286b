package prefs

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

type key struct{ guild, user string }

// Memory is an in-process [Store]. Preferences are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	rows map[key]Preference
	now  func() time.Time

	// FailWith, when non-nil, makes every operation fail with it wrapped in
	// ErrUnavailable. Tests use it to simulate an outage.
	FailWith error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[key]Preference), now: time.Now}
}

func (m *Memory) fail(op string) error {
	if m.FailWith != nil {
		return unavailable("memory", op, m.FailWith)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, guildID, userID string) (*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("get"); err != nil {
		return nil, err
	}
	p, ok := m.rows[key{guildID, userID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) Upsert(_ context.Context, p Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert"); err != nil {
		return err
	}
	p.Rate = normalizeRate(p.Rate)
	p.UpdatedAt = m.now().UTC()
	m.rows[key{p.GuildID, p.UserID}] = p
	return nil
}

func (m *Memory) SetEnabled(_ context.Context, guildID, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set enabled"); err != nil {
		return err
	}
	k := key{guildID, userID}
	p, ok := m.rows[k]
	if !ok {
		return nil
	}
	p.Enabled = enabled
	p.UpdatedAt = m.now().UTC()
	m.rows[k] = p
	return nil
}

func (m *Memory) DisableAll(ctx context.Context, guildID string) (int, error) {
	return m.DisableAllExcept(ctx, guildID, nil)
}

func (m *Memory) DisableAllExcept(_ context.Context, guildID string, keep []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("disable"); err != nil {
		return 0, err
	}
	n := 0
	now := m.now().UTC()
	for k, p := range m.rows {
		if k.guild != guildID || !p.Enabled || slices.Contains(keep, k.user) {
			continue
		}
		p.Enabled = false
		p.UpdatedAt = now
		m.rows[k] = p
		n++
	}
	return n, nil
}

func (m *Memory) ListEnabled(_ context.Context, guildID string) ([]Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("list enabled"); err != nil {
		return nil, err
	}
	var out []Preference
	for k, p := range m.rows {
		if k.guild == guildID && p.Enabled {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Preference) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (m *Memory) AnyEnabled(_ context.Context, guildID string, userIDs []string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("any enabled"); err != nil {
		return false, err
	}
	for _, u := range userIDs {
		if p, ok := m.rows[key{guildID, u}]; ok && p.Enabled {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail("ping")
}

func (m *Memory) Close() error { return nil }
