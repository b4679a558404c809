package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Member is a node of the cluster.
type Member struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Membership is a view of the live members.
type Membership interface {
	// Members returns the live members sorted by id.
	Members() []Member
	// Watch calls fn after every change with the new view until cancel is
	// called.
	Watch(fn func([]Member)) (cancel func())
}

// ParsePeers parses a comma separated id=addr list.
func ParsePeers(raw string) ([]Member, error) {
	var members []Member
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("peer %q: want id=addr", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("peer %q listed twice", id)
		}
		seen[id] = true
		members = append(members, Member{ID: id, Addr: addr})
	}
	sortMembers(members)
	return members, nil
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
}

// StaticMembership is a fixed member list.
type StaticMembership struct {
	members []Member
}

// NewStaticMembership returns a view that never changes.
func NewStaticMembership(members ...Member) *StaticMembership {
	out := append([]Member(nil), members...)
	sortMembers(out)
	return &StaticMembership{members: out}
}

// Members implements Membership.
func (m *StaticMembership) Members() []Member {
	return append([]Member(nil), m.members...)
}

// Watch implements Membership; a static view never notifies.
func (m *StaticMembership) Watch(func([]Member)) func() {
	return func() {}
}

// MemoryMembership is a mutable view for tests and single-binary clusters.
// Join and Leave simulate nodes starting and failing.
type MemoryMembership struct {
	mu       sync.Mutex
	members  map[string]Member
	watchers map[int]func([]Member)
	next     int
}

// NewMemoryMembership returns a view holding members.
func NewMemoryMembership(members ...Member) *MemoryMembership {
	m := &MemoryMembership{
		members:  make(map[string]Member, len(members)),
		watchers: map[int]func([]Member){},
	}
	for _, member := range members {
		m.members[member.ID] = member
	}
	return m
}

// Members implements Membership.
func (m *MemoryMembership) Members() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *MemoryMembership) snapshot() []Member {
	out := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sortMembers(out)
	return out
}

// Watch implements Membership.
func (m *MemoryMembership) Watch(fn func([]Member)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.next
	m.next++
	m.watchers[key] = fn
	return func() {
		m.mu.Lock()
		delete(m.watchers, key)
		m.mu.Unlock()
	}
}

// Join adds or replaces member and notifies watchers.
func (m *MemoryMembership) Join(member Member) {
	m.mu.Lock()
	m.members[member.ID] = member
	m.notify()
}

// Leave removes the member with id and notifies watchers.
func (m *MemoryMembership) Leave(id string) {
	m.mu.Lock()
	if _, ok := m.members[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.members, id)
	m.notify()
}

// notify is called with m.mu held and releases it before running watchers.
func (m *MemoryMembership) notify() {
	view := m.snapshot()
	watchers := make([]func([]Member), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(append([]Member(nil), view...))
	}
}
