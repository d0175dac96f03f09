package gtid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// List is a set of Gtid values holding at most one Gtid per domain,
// kept sorted by domain. It is used both as the current replication
// position ("rpl_state") and as a requested catch-up/start position.
//
// List is not safe for concurrent mutation; callers that share a List
// across goroutines (the Writer publishing current_gtid_list while
// status queries read it) must guard it with their own mutex, exactly
// as spec.md §5 describes for "GtidList / error / log position on Writer".
type List struct {
	byDomain map[uint32]Gtid
}

// NewList returns an empty GtidList.
func NewList() *List {
	return &List{byDomain: make(map[uint32]Gtid)}
}

// ParseList parses a comma-separated list of "D-S-N" GTIDs, at most one
// per domain (a later entry for an already-seen domain replaces the
// earlier one, mirroring Replace's upsert semantics).
func ParseList(s string) (*List, error) {
	l := NewList()
	s = strings.TrimSpace(s)
	if s == "" {
		return l, nil
	}
	for _, part := range strings.Split(s, ",") {
		g, err := Parse(part)
		if err != nil {
			return nil, err
		}
		l.Replace(g)
	}
	return l, nil
}

// Replace upserts g by domain: any existing Gtid for g.Domain is
// discarded in favor of g, regardless of sequence number — callers that
// only want monotonic advancement should check IsIncluded first.
func (l *List) Replace(g Gtid) {
	l.byDomain[g.Domain] = g
}

// Get returns the Gtid stored for domain, if any.
func (l *List) Get(domain uint32) (Gtid, bool) {
	g, ok := l.byDomain[domain]
	return g, ok
}

// Gtids returns the list's members sorted by domain.
func (l *List) Gtids() []Gtid {
	out := make([]Gtid, 0, len(l.byDomain))
	for _, g := range l.byDomain {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Len reports the number of domains tracked.
func (l *List) Len() int { return len(l.byDomain) }

// IsIncluded reports whether every domain in other is present in l with
// a sequence number >= other's — i.e. l ⊇ other. An empty other is
// trivially included in anything, including an empty l.
func (l *List) IsIncluded(other *List) bool {
	for _, want := range other.Gtids() {
		have, ok := l.byDomain[want.Domain]
		if !ok || have.Sequence < want.Sequence {
			return false
		}
	}
	return true
}

// Equal reports whether l and other contain exactly the same Gtids.
func (l *List) Equal(other *List) bool {
	return l.IsIncluded(other) && other.IsIncluded(l)
}

// Clone returns a deep copy of l.
func (l *List) Clone() *List {
	out := NewList()
	for d, g := range l.byDomain {
		out.byDomain[d] = g
	}
	return out
}

// String formats l as a comma-separated, domain-sorted "D-S-N" list.
func (l *List) String() string {
	gtids := l.Gtids()
	parts := make([]string, len(gtids))
	for i, g := range gtids {
		parts[i] = g.String()
	}
	return strings.Join(parts, ",")
}

// ToMariadbGTIDSet converts l into a github.com/go-mysql-org/go-mysql
// mysql.GTIDSet, for handing to replication.BinlogSyncer.StartSyncGTID
// when registering with the upstream primary.
func (l *List) ToMariadbGTIDSet() (mysql.GTIDSet, error) {
	return mysql.ParseMariadbGTIDSet(l.String())
}

// FromMariadbGTIDSet builds a List from a mysql.MariadbGTIDSet received
// over the wire (e.g. reported by the upstream primary).
func FromMariadbGTIDSet(set mysql.GTIDSet) (*List, error) {
	if set == nil {
		return NewList(), nil
	}
	mset, ok := set.(*mysql.MariadbGTIDSet)
	if !ok {
		return nil, fmt.Errorf("gtid: expected *mysql.MariadbGTIDSet, got %T", set)
	}
	l := NewList()
	for domain, g := range mset.Sets {
		l.Replace(Gtid{Domain: domain, Server: g.ServerID, Sequence: g.SequenceNumber})
	}
	return l, nil
}
