// Package gtid implements the GTID and GtidSet data model: a transaction
// identifier scoped to a source id (sid), plus a set type supporting the
// union/remove/contains/encode operations the core needs to track
// retrieved and logged transactions.
//
// The set is backed by a sorted slice of intervals per sid, following the
// insert-sort idiom used throughout the teacher corpus (see
// sql/export/collection.go's insertSort/insertSortFunc) rather than a
// naive map[GTID]struct{}, so that a sid's executed range collapses
// contiguous GNOs instead of growing unboundedly.
package gtid

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type (
	// SID identifies a replication source (the primary's server UUID).
	SID [16]byte

	// GTID is a single transaction identifier: a SID plus a monotonically
	// increasing (per SID) transaction number.
	GTID struct {
		SID SID
		GNO uint64
	}

	// interval is an inclusive [Start, End] range of GNOs.
	interval struct {
		Start, End uint64
	}

	// Set is a GtidSet: a collection of GTIDs, represented as a sorted,
	// gap-collapsing list of intervals per SID.
	Set struct {
		m map[SID][]interval
	}
)

// String renders a GTID in the conventional "sid:gno" textual form.
func (g GTID) String() string {
	return fmt.Sprintf("%s:%d", g.SID.String(), g.GNO)
}

// String renders a SID in canonical UUID form.
func (s SID) String() string {
	var b [36]byte
	hex.Encode(b[0:8], s[0:4])
	b[8] = '-'
	hex.Encode(b[9:13], s[4:6])
	b[13] = '-'
	hex.Encode(b[14:18], s[6:8])
	b[18] = '-'
	hex.Encode(b[19:23], s[8:10])
	b[23] = '-'
	hex.Encode(b[24:36], s[10:16])
	return string(b[:])
}

// NewSet creates an empty GtidSet.
func NewSet() *Set {
	return &Set{m: make(map[SID][]interval)}
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	out := NewSet()
	if s == nil {
		return out
	}
	for sid, ivs := range s.m {
		cp := make([]interval, len(ivs))
		copy(cp, ivs)
		out.m[sid] = cp
	}
	return out
}

// Add inserts g into the set, merging with adjacent/overlapping intervals.
func (s *Set) Add(g GTID) {
	ivs := s.m[g.SID]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].End+1 >= g.GNO })
	switch {
	case i < len(ivs) && ivs[i].Start <= g.GNO && g.GNO <= ivs[i].End:
		// already contained
	case i < len(ivs) && ivs[i].Start == g.GNO+1:
		ivs[i].Start = g.GNO
		s.mergeLeft(g.SID, i)
	case i < len(ivs) && ivs[i].End+1 == g.GNO:
		ivs[i].End = g.GNO
		s.mergeRight(g.SID, i)
	default:
		ivs = append(ivs, interval{})
		copy(ivs[i+1:], ivs[i:])
		ivs[i] = interval{Start: g.GNO, End: g.GNO}
		s.m[g.SID] = ivs
	}
}

// AddRange adds every GNO in [start, end] for sid in one step, avoiding
// the per-GTID merge cost Add would incur for a large contiguous range
// (used by ParseSet).
func (s *Set) AddRange(sid SID, start, end uint64) {
	if end < start {
		return
	}
	ivs := s.m[sid]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].End+1 >= start })
	switch {
	case i < len(ivs) && ivs[i].Start <= start && end <= ivs[i].End:
		// already fully contained
	case i < len(ivs) && ivs[i].Start <= end+1:
		if start < ivs[i].Start {
			ivs[i].Start = start
		}
		if end > ivs[i].End {
			ivs[i].End = end
		}
		s.m[sid] = ivs
		s.mergeLeft(sid, i)
		s.mergeRight(sid, i)
	case i > 0 && ivs[i-1].End+1 >= start:
		if end > ivs[i-1].End {
			ivs[i-1].End = end
		}
		s.m[sid] = ivs
		s.mergeRight(sid, i-1)
	default:
		ivs = append(ivs, interval{})
		copy(ivs[i+1:], ivs[i:])
		ivs[i] = interval{Start: start, End: end}
		s.m[sid] = ivs
	}
}

func (s *Set) mergeLeft(sid SID, i int) {
	ivs := s.m[sid]
	if i > 0 && ivs[i-1].End+1 >= ivs[i].Start {
		ivs[i-1].End = ivs[i].End
		s.m[sid] = append(ivs[:i], ivs[i+1:]...)
	}
}

func (s *Set) mergeRight(sid SID, i int) {
	ivs := s.m[sid]
	if i+1 < len(ivs) && ivs[i].End+1 >= ivs[i+1].Start {
		ivs[i].End = ivs[i+1].End
		s.m[sid] = append(ivs[:i+1], ivs[i+2:]...)
	}
}

// Remove deletes g from the set, splitting an interval if necessary.
// This realizes spec.md §4.3's "subtract the last retrieved GTID from
// retrieved_gtids" step performed before an auto-position dump request.
func (s *Set) Remove(g GTID) {
	ivs := s.m[g.SID]
	for i, iv := range ivs {
		if g.GNO < iv.Start || g.GNO > iv.End {
			continue
		}
		switch {
		case iv.Start == iv.End:
			s.m[g.SID] = append(ivs[:i], ivs[i+1:]...)
		case g.GNO == iv.Start:
			ivs[i].Start++
		case g.GNO == iv.End:
			ivs[i].End--
		default:
			left := interval{Start: iv.Start, End: g.GNO - 1}
			right := interval{Start: g.GNO + 1, End: iv.End}
			out := make([]interval, 0, len(ivs)+1)
			out = append(out, ivs[:i]...)
			out = append(out, left, right)
			out = append(out, ivs[i+1:]...)
			s.m[g.SID] = out
		}
		return
	}
}

// Contains reports whether g is a member of the set.
func (s *Set) Contains(g GTID) bool {
	if s == nil {
		return false
	}
	ivs := s.m[g.SID]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].End >= g.GNO })
	return i < len(ivs) && ivs[i].Start <= g.GNO
}

// Union merges other into s, returning s for chaining.
func (s *Set) Union(other *Set) *Set {
	if other == nil {
		return s
	}
	for sid, ivs := range other.m {
		for _, iv := range ivs {
			for gno := iv.Start; gno <= iv.End; gno++ {
				s.Add(GTID{SID: sid, GNO: gno})
				if gno == iv.End {
					break
				}
			}
		}
	}
	return s
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	if s == nil {
		return true
	}
	for _, ivs := range s.m {
		if len(ivs) != 0 {
			return false
		}
	}
	return true
}

// Encode renders the set in MySQL's textual GTID-set form:
// "sid:1-4:7,sid2:9".
func (s *Set) Encode() string {
	if s == nil || len(s.m) == 0 {
		return ""
	}
	sids := maps.Keys(s.m)
	slices.SortFunc(sids, func(a, b SID) bool { return a.String() < b.String() })

	var b strings.Builder
	for i, sid := range sids {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(sid.String())
		for _, iv := range s.m[sid] {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(iv.Start, 10))
			if iv.End != iv.Start {
				b.WriteByte('-')
				b.WriteString(strconv.FormatUint(iv.End, 10))
			}
		}
	}
	return b.String()
}

// ParseSID parses a canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" UUID
// into a SID.
func ParseSID(s string) (SID, error) {
	var out SID
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return out, fmt.Errorf("gtid: invalid sid %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("gtid: invalid sid %q: %w", s, err)
	}
	copy(out[:], b)
	return out, nil
}

// ParseSet parses the textual GtidSet form produced by Encode, e.g.
// "sid:1-4:7,sid2:9". An empty string parses to an empty Set.
func ParseSet(s string) (*Set, error) {
	out := NewSet()
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, group := range strings.Split(s, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		parts := strings.Split(group, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("gtid: invalid group %q", group)
		}
		sid, err := ParseSID(parts[0])
		if err != nil {
			return nil, err
		}
		for _, rng := range parts[1:] {
			start, end, err := parseRange(rng)
			if err != nil {
				return nil, fmt.Errorf("gtid: invalid range %q: %w", rng, err)
			}
			out.AddRange(sid, start, end)
		}
	}
	return out, nil
}

func parseRange(s string) (start, end uint64, err error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		start, err = strconv.ParseUint(s[:i], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		end, err = strconv.ParseUint(s[i+1:], 10, 64)
		return start, end, err
	}
	start, err = strconv.ParseUint(s, 10, 64)
	return start, start, err
}

// EncodeBinary renders the set in MySQL's binary GTID-set encoding: a
// count of SIDs, then per-SID the raw 16 bytes, an interval count, and
// each interval as two little-endian uint64 (start, end+1).
func (s *Set) EncodeBinary() []byte {
	if s == nil {
		return nil
	}
	sids := make([]SID, 0, len(s.m))
	for _, sid := range maps.Keys(s.m) {
		if len(s.m[sid]) != 0 {
			sids = append(sids, sid)
		}
	}
	slices.SortFunc(sids, func(a, b SID) bool { return a.String() < b.String() })

	buf := make([]byte, 8)
	putUint64(buf, uint64(len(sids)))
	for _, sid := range sids {
		buf = append(buf, sid[:]...)
		ivs := s.m[sid]
		n := make([]byte, 8)
		putUint64(n, uint64(len(ivs)))
		buf = append(buf, n...)
		for _, iv := range ivs {
			v := make([]byte, 16)
			putUint64(v[0:8], iv.Start)
			putUint64(v[8:16], iv.End+1)
			buf = append(buf, v...)
		}
	}
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Intervals returns, for diagnostics/tests, the sorted [start,end] pairs
// recorded for sid.
func (s *Set) Intervals(sid SID) [][2]uint64 {
	ivs := s.m[sid]
	out := make([][2]uint64, len(ivs))
	for i, iv := range ivs {
		out[i] = [2]uint64{iv.Start, iv.End}
	}
	return out
}

// ContainsSet reports whether every GTID in other is also in s, i.e.
// other is a subset of s. Used by UNTIL SQL_AFTER_GTIDS (spec.md §4.5):
// the Applier stops once its executed set has absorbed the target set.
func (s *Set) ContainsSet(other *Set) bool {
	if other == nil || other.Empty() {
		return true
	}
	for sid, ivs := range other.m {
		for _, iv := range ivs {
			for gno := iv.Start; gno <= iv.End; gno++ {
				if !s.Contains(GTID{SID: sid, GNO: gno}) {
					return false
				}
				if gno == iv.End {
					break
				}
			}
		}
	}
	return true
}
