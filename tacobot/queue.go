package tacobot

import (
	"math/rand"
	"strings"
	"sync"
)

// TrackQueue is an ordered list of tracks whose positions start from 1.
// All methods are safe for concurrent use.
type TrackQueue struct {
	mu     sync.Mutex
	name   string
	tracks []*Track
}

func NewTrackQueue(name string) *TrackQueue {
	q := &TrackQueue{}
	q.SetName(name)
	return q
}

// Name returns the queue's display name (possibly empty).
func (q *TrackQueue) Name() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.name
}

// SetName names the queue. Braces are removed since they delimit the
// saved-queue format.
func (q *TrackQueue) SetName(name string) {
	name = strings.ReplaceAll(name, "{", "")
	name = strings.ReplaceAll(name, "}", "")
	q.mu.Lock()
	defer q.mu.Unlock()
	q.name = name
}

func (q *TrackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// At returns the track at position pos (1-based), or nil when pos is out
// of range.
func (q *TrackQueue) At(pos int) *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos < 1 || pos > len(q.tracks) {
		return nil
	}
	return q.tracks[pos-1]
}

// Segment returns the tracks from positions start to end, inclusive,
// clamped to the queue bounds.
func (q *TrackQueue) Segment(start, end int) []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if start < 1 {
		start = 1
	}
	if end > len(q.tracks) {
		end = len(q.tracks)
	}
	if start > end {
		return nil
	}
	segment := make([]*Track, end-start+1)
	copy(segment, q.tracks[start-1:end])
	return segment
}

// Tracks returns a copy of the queue contents in order.
func (q *TrackQueue) Tracks() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	tracks := make([]*Track, len(q.tracks))
	copy(tracks, q.tracks)
	return tracks
}

// IDs returns the video IDs of the queue contents in order.
func (q *TrackQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.tracks))
	for i, t := range q.tracks {
		ids[i] = t.ID
	}
	return ids
}

// Add appends tracks to the end of the queue.
func (q *TrackQueue) Add(tracks ...*Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, tracks...)
}

// Pop removes and returns the track at position pos, or nil when pos is
// out of range.
func (q *TrackQueue) Pop(pos int) *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos < 1 || pos > len(q.tracks) {
		return nil
	}
	track := q.tracks[pos-1]
	q.tracks = append(q.tracks[:pos-1], q.tracks[pos:]...)
	return track
}

// PopRange removes and returns the tracks between positions pos1 and
// pos2, inclusive, clamped to the queue bounds.
func (q *TrackQueue) PopRange(pos1, pos2 int) []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos1 < 1 {
		pos1 = 1
	}
	if pos2 > len(q.tracks) {
		pos2 = len(q.tracks)
	}
	if pos1 > pos2 {
		return nil
	}
	removed := make([]*Track, pos2-pos1+1)
	copy(removed, q.tracks[pos1-1:pos2])
	q.tracks = append(q.tracks[:pos1-1], q.tracks[pos2:]...)
	return removed
}

// Clear empties the queue and returns the number of tracks removed.
func (q *TrackQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tracks)
	q.tracks = nil
	return n
}

// Swap exchanges the tracks at pos1 and pos2. Returns false when either
// position is out of range.
func (q *TrackQueue) Swap(pos1, pos2 int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos1 < 1 || pos1 > len(q.tracks) || pos2 < 1 || pos2 > len(q.tracks) {
		return false
	}
	q.tracks[pos1-1], q.tracks[pos2-1] = q.tracks[pos2-1], q.tracks[pos1-1]
	return true
}

// Shuffle randomizes the order of the tracks after position pos, leaving
// positions 1..pos in place. Shuffle(0) shuffles the whole queue.
func (q *TrackQueue) Shuffle(pos int) {
	if pos < 0 {
		pos = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos >= len(q.tracks) {
		return
	}
	tail := q.tracks[pos:]
	rand.Shuffle(
		len(tail), func(i, j int) {
			tail[i], tail[j] = tail[j], tail[i]
		},
	)
}

// Find returns the position and track of the first title containing
// search (case-insensitive), or (0, nil).
func (q *TrackQueue) Find(search string) (int, *Track) {
	search = strings.ToLower(search)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tracks {
		if strings.Contains(strings.ToLower(t.Title), search) {
			return i + 1, t
		}
	}
	return 0, nil
}

// TotalDuration returns the sum of track durations, in seconds.
func (q *TrackQueue) TotalDuration() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int
	for _, t := range q.tracks {
		total += t.Duration
	}
	return total
}

// Replace swaps the queue contents for the given tracks.
func (q *TrackQueue) Replace(tracks []*Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = make([]*Track, len(tracks))
	copy(q.tracks, tracks)
}

// durationString renders a second count as H:MM:SS, or MM:SS under an
// hour.
func durationString(seconds int) string {
	t := Track{Duration: seconds}
	return t.DurationString()
}
