// Package reconcile merges the local item store with a remote replica.
//
// Merge is a pure function over two snapshots; Reconciler wraps it with the
// pull, apply and push steps.
package reconcile

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/google/uuid"

	"handoff/internal/domain"
)

// Snapshot is a replica's view keyed by item id.
type Snapshot map[string]domain.ItemRecord

// LocalWrite is one change to the local store. Expected is the local item the
// change was computed against (nil for an insert). When RekeyTo is set the
// local item moves to that id before Record is stored under the original id.
type LocalWrite struct {
	Record   domain.ItemRecord
	Expected *domain.Item
	RekeyTo  string
}

type ConflictKind string

const (
	// ConflictTerminal: both sides reached different terminal locations.
	ConflictTerminal ConflictKind = "terminal_divergence"
	// ConflictDuplicate: distinct items shared an id; the local one was re-keyed.
	ConflictDuplicate ConflictKind = "duplicate_id"
)

type Conflict struct {
	ID     string
	Kind   ConflictKind
	Detail string
}

// Plan lists the writes that bring both sides to the merged view.
type Plan struct {
	Local     []LocalWrite
	Remote    []domain.ItemRecord
	Conflicts []Conflict
}

// Empty reports whether the plan writes nothing.
func (p Plan) Empty() bool {
	return len(p.Local) == 0 && len(p.Remote) == 0
}

// Merge computes the writes for both sides. Rules, per id:
//   - identical records: nothing;
//   - present on one side only: copied to the other;
//   - distinct items sharing an id: the remote keeps the id, the local item is
//     re-keyed as a duplicate and published under its new id;
//   - a terminal record is never overwritten; two different terminal records are
//     left alone and reported;
//   - otherwise histories are unioned and each side keeps a live claim held by
//     its own role; without one the side with the newer last transition
//     supplies the location.
//
// role is the local agent's role. Every other role is treated as the remote's.
func Merge(local, remote Snapshot, role domain.Role) Plan {
	var plan Plan
	for _, id := range sortedIDs(local, remote) {
		l, inLocal := local[id]
		r, inRemote := remote[id]
		switch {
		case !inRemote:
			plan.Remote = append(plan.Remote, l)
		case !inLocal:
			plan.Local = append(plan.Local, LocalWrite{Record: r})
		case Equal(l, r):
		case distinct(l, r):
			dup := duplicateOf(l)
			plan.Local = append(plan.Local, LocalWrite{Record: r, Expected: itemPtr(l.Item), RekeyTo: dup.Item.ID})
			plan.Remote = append(plan.Remote, dup)
			plan.Conflicts = append(plan.Conflicts, Conflict{ID: id, Kind: ConflictDuplicate, Detail: "local copy re-keyed to " + dup.Item.ID})
		default:
			mergePair(&plan, l, r, role)
		}
	}
	return plan
}

func mergePair(plan *Plan, l, r domain.ItemRecord, role domain.Role) {
	lt, rt := l.Item.State().Terminal(), r.Item.State().Terminal()
	if lt && rt && l.Item.Location != r.Item.Location {
		plan.Conflicts = append(plan.Conflicts, Conflict{
			ID: l.Item.ID, Kind: ConflictTerminal,
			Detail: "local " + l.Item.Location + ", remote " + r.Item.Location,
		})
		return
	}
	hist := unionHistory(l.History, r.History)

	var localView, remoteView domain.ItemRecord
	switch {
	case lt:
		localView, remoteView = withHistory(l, hist), withHistory(l, hist)
	case rt:
		localView, remoteView = withHistory(r, hist), withHistory(r, hist)
	default:
		isLocal := func(h domain.Role) bool { return h == role }
		isRemote := func(h domain.Role) bool { return h != role }
		localView = withHistory(pick(l, r, isLocal), hist)
		remoteView = withHistory(pick(r, l, isRemote), hist)
	}
	if !Equal(localView, l) {
		plan.Local = append(plan.Local, LocalWrite{Record: localView, Expected: itemPtr(l.Item)})
	}
	if !Equal(remoteView, r) {
		plan.Remote = append(plan.Remote, remoteView)
	}
}

// pick chooses which version's location a side should hold. A claim is live
// for the side whose role holds it, unless the holder has moved on in the
// other version; a copy of the other agent's live claim is adopted the same
// way. Anything else goes to the newer version.
func pick(own, other domain.ItemRecord, mine func(domain.Role) bool) domain.ItemRecord {
	if h, held := domain.HolderOf(own.Item.Location); held && mine(h) && !movedOn(other, h, lastTS(own)) {
		return own
	}
	if h, held := domain.HolderOf(other.Item.Location); held && !mine(h) && !movedOn(own, h, lastTS(other)) {
		return other
	}
	ol, tl := lastTS(own), lastTS(other)
	switch {
	case ol > tl:
		return own
	case tl > ol:
		return other
	case own.Item.Location >= other.Item.Location:
		return own
	default:
		return other
	}
}

// movedOn reports whether rec records a transition by holder after since.
func movedOn(rec domain.ItemRecord, holder domain.Role, since string) bool {
	for _, t := range rec.History {
		if t.Actor == string(holder) && t.TS > since {
			return true
		}
	}
	return false
}

func withHistory(base domain.ItemRecord, hist []domain.Transition) domain.ItemRecord {
	out := domain.ItemRecord{Item: base.Item, History: hist}
	out.Item.AttemptCount = domain.ActingCount(hist)
	if n := len(hist); n > 0 && hist[n-1].TS > out.Item.UpdatedAt {
		out.Item.UpdatedAt = hist[n-1].TS
	}
	return out
}

func unionHistory(a, b []domain.Transition) []domain.Transition {
	seen := make(map[string]bool, len(a)+len(b))
	var out []domain.Transition
	for _, h := range [][]domain.Transition{a, b} {
		for _, t := range h {
			t.ItemID = ""
			if k := t.Key(); !seen[k] {
				seen[k] = true
				out = append(out, t)
			}
		}
	}
	sortHistory(out)
	return out
}

func sortHistory(h []domain.Transition) {
	sort.SliceStable(h, func(i, j int) bool {
		if h[i].TS != h[j].TS {
			return h[i].TS < h[j].TS
		}
		return h[i].Key() < h[j].Key()
	})
}

func lastTS(r domain.ItemRecord) string {
	ts := r.Item.UpdatedAt
	for _, t := range r.History {
		if t.TS > ts {
			ts = t.TS
		}
	}
	return ts
}

// distinct reports whether two records under one id describe different work:
// their creation entries and their content both differ.
func distinct(l, r domain.ItemRecord) bool {
	lc, lok := l.Creation()
	rc, rok := r.Creation()
	if !lok || !rok || lc.Key() == rc.Key() {
		return false
	}
	return l.Item.Kind != r.Item.Kind || l.Item.Source != r.Item.Source ||
		l.Item.Title != r.Item.Title || l.Item.Body != r.Item.Body ||
		!reflect.DeepEqual(nonEmpty(l.Item.Metadata), nonEmpty(r.Item.Metadata))
}

// duplicateOf derives the re-keyed copy of rec. The new id depends only on the
// original id and creation entry, so both agents derive the same one.
func duplicateOf(rec domain.ItemRecord) domain.ItemRecord {
	c, _ := rec.Creation()
	out := domain.ItemRecord{Item: rec.Item, History: normalizeHistory(rec.History)}
	out.Item.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.Item.ID+"|"+c.Key())).String()
	out.Item.DuplicateOf = rec.Item.ID
	return out
}

// Equal compares two records by content. History order among equal
// timestamps and numeric representation of payload values are ignored.
func Equal(a, b domain.ItemRecord) bool {
	ca, err1 := canonical(a)
	cb, err2 := canonical(b)
	return err1 == nil && err2 == nil && string(ca) == string(cb)
}

func canonical(r domain.ItemRecord) ([]byte, error) {
	r.History = normalizeHistory(r.History)
	r.Item.Metadata = nonEmpty(r.Item.Metadata)
	return json.Marshal(r)
}

func normalizeHistory(h []domain.Transition) []domain.Transition {
	out := make([]domain.Transition, len(h))
	for i, t := range h {
		t.ItemID = ""
		out[i] = t
	}
	sortHistory(out)
	return out
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func itemPtr(it domain.Item) *domain.Item { return &it }

func sortedIDs(a, b Snapshot) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var ids []string
	for _, s := range []Snapshot{a, b} {
		for id := range s {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
