package cluster

import (
	"reflect"
	"testing"
)

func TestParsePeers(t *testing.T) {
	got, err := ParsePeers(" n2=10.0.0.2:7000, n1=10.0.0.1:7000 ,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Member{{ID: "n1", Addr: "10.0.0.1:7000"}, {ID: "n2", Addr: "10.0.0.2:7000"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("peers = %v, want %v", got, want)
	}

	for _, raw := range []string{"n1", "n1=", "=addr", "n1=a,n1=b"} {
		if _, err := ParsePeers(raw); err == nil {
			t.Fatalf("ParsePeers(%q) accepted", raw)
		}
	}
}

func TestStaticMembershipIsSortedCopy(t *testing.T) {
	m := NewStaticMembership(Member{ID: "b"}, Member{ID: "a"})
	members := m.Members()
	if members[0].ID != "a" || members[1].ID != "b" {
		t.Fatalf("members = %v", members)
	}
	members[0].ID = "mutated"
	if m.Members()[0].ID != "a" {
		t.Fatal("Members returned shared storage")
	}
	m.Watch(func([]Member) { t.Fatal("static membership notified") })()
}

func TestMemoryMembershipNotifiesWatchers(t *testing.T) {
	m := NewMemoryMembership(Member{ID: "n1"})
	var views [][]Member
	cancel := m.Watch(func(v []Member) { views = append(views, v) })

	m.Join(Member{ID: "n2"})
	m.Leave("n1")
	m.Leave("missing")
	cancel()
	m.Join(Member{ID: "n3"})

	if len(views) != 2 {
		t.Fatalf("notified %d times, want 2", len(views))
	}
	if len(views[0]) != 2 || len(views[1]) != 1 || views[1][0].ID != "n2" {
		t.Fatalf("views = %v", views)
	}
	if got := m.Members(); len(got) != 2 {
		t.Fatalf("members = %v", got)
	}
}
