package session

import (
	"sort"
	"time"
)

// DefaultDedupWindow is how close two start times must be for sessions without a
// shared external id to count as the same broadcast.
const DefaultDedupWindow = 60 * time.Second

func isDuplicate(a, b StreamSession, window time.Duration) bool {
	if a.BroadcasterID != b.BroadcasterID {
		return false
	}
	if a.ExternalStreamID != "" && b.ExternalStreamID != "" {
		return a.ExternalStreamID == b.ExternalStreamID
	}
	d := a.StartedAt.Sub(b.StartedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// FindDuplicates groups sessions that describe the same broadcast. Only groups
// with two or more members are returned, each ordered by start time.
func FindDuplicates(sessions []StreamSession, window time.Duration) [][]StreamSession {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	parent := make([]int, len(sessions))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := range sessions {
		for j := i + 1; j < len(sessions); j++ {
			if isDuplicate(sessions[i], sessions[j], window) {
				parent[find(j)] = find(i)
			}
		}
	}
	groups := map[int][]StreamSession{}
	var roots []int
	for i := range sessions {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], sessions[i])
	}
	var out [][]StreamSession
	for _, r := range roots {
		g := groups[r]
		if len(g) < 2 {
			continue
		}
		sort.SliceStable(g, func(i, j int) bool { return g[i].StartedAt.Before(g[j].StartedAt) })
		out = append(out, g)
	}
	return out
}

// moreAuthoritative orders duplicates: longest duration, then more messages, then
// having an external id, then the older row.
func moreAuthoritative(a, b StreamSession, now time.Time) bool {
	if da, db := a.Duration(now), b.Duration(now); da != db {
		return da > db
	}
	if a.TotalMessages != b.TotalMessages {
		return a.TotalMessages > b.TotalMessages
	}
	if (a.ExternalStreamID != "") != (b.ExternalStreamID != "") {
		return a.ExternalStreamID != ""
	}
	return a.ID < b.ID
}

// PickAuthoritative selects the session to keep from a duplicate group. An open
// session is always kept; the rest are returned as drop.
func PickAuthoritative(group []StreamSession, now time.Time) (keep StreamSession, drop []StreamSession) {
	if len(group) == 0 {
		return StreamSession{}, nil
	}
	best := -1
	for i, s := range group {
		if s.Open() {
			best = i
			break
		}
	}
	if best < 0 {
		best = 0
		for i := 1; i < len(group); i++ {
			if moreAuthoritative(group[i], group[best], now) {
				best = i
			}
		}
	}
	for i, s := range group {
		if i != best && !s.Open() {
			drop = append(drop, s)
		}
	}
	return group[best], drop
}
