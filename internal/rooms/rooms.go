// Package rooms holds the conversation list: which rooms exist, which one is
// active, their previews and unread counts.
package rooms

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrUnknownRoom = errors.New("unknown room")

type Room struct {
	ID             string
	Name           string
	ParticipantIDs []string
	LastPreview    string
	LastPreviewAt  time.Time
	UnreadCount    int
}

// Label describes the room in the conversation header.
func (r Room) Label() string {
	if len(r.ParticipantIDs) > 2 {
		return strconv.Itoa(len(r.ParticipantIDs)) + " members"
	}
	return "Direct message"
}

// Badge is the unread counter as shown next to the room, capped at "9+".
func (r Room) Badge() string {
	switch {
	case r.UnreadCount <= 0:
		return ""
	case r.UnreadCount > 9:
		return "9+"
	default:
		return strconv.Itoa(r.UnreadCount)
	}
}

// DefaultRooms is the built-in conversation list, with previews dated
// relative to now.
func DefaultRooms(now time.Time) []Room {
	return []Room{
		{ID: "1", Name: "General Chat", ParticipantIDs: []string{"1", "2"},
			LastPreview: "You can start typing your messages below!", LastPreviewAt: now.Add(-3 * time.Minute)},
		{ID: "2", Name: "Sarah Wilson", ParticipantIDs: []string{"1", "3"},
			LastPreview: "Hey! How are you doing?", LastPreviewAt: now.Add(-time.Hour), UnreadCount: 2},
		{ID: "3", Name: "Team Project", ParticipantIDs: []string{"1", "2", "3", "4"},
			LastPreview: "The deadline is next Friday", LastPreviewAt: now.Add(-2 * time.Hour), UnreadCount: 5},
		{ID: "4", Name: "Alex Johnson", ParticipantIDs: []string{"1", "5"},
			LastPreview: "Thanks for the help!", LastPreviewAt: now.Add(-24 * time.Hour)},
		{ID: "5", Name: "Design Team", ParticipantIDs: []string{"1", "2", "6", "7"},
			LastPreview: "New mockups are ready for review", LastPreviewAt: now.Add(-48 * time.Hour), UnreadCount: 1},
	}
}

// DefaultActiveID is the room a session starts in.
const DefaultActiveID = "1"

// Switcher moves the hub membership from one room to another.
type Switcher interface {
	Switch(ctx context.Context, from, to Room) error
}

type Directory struct {
	mu       sync.RWMutex
	rooms    []Room
	activeID string
}

// NewDirectory builds a directory over rooms with activeID selected. An empty
// or unknown activeID selects the first room.
func NewDirectory(rooms []Room, activeID string) *Directory {
	d := &Directory{rooms: append([]Room(nil), rooms...), activeID: activeID}
	if _, ok := d.index(activeID); !ok && len(d.rooms) > 0 {
		d.activeID = d.rooms[0].ID
	}
	return d
}

func (d *Directory) index(id string) (int, bool) {
	for i, r := range d.rooms {
		if r.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (d *Directory) Active() Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, _ := d.index(d.activeID)
	if i < 0 {
		return Room{}
	}
	return d.rooms[i]
}

func (d *Directory) Get(id string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index(id)
	if !ok {
		return Room{}, false
	}
	return d.rooms[i], true
}

func (d *Directory) Rooms() []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Room(nil), d.rooms...)
}

// Select makes id the active room and clears its unread count. The switch
// is run through sw, and the selection sticks even when sw fails; its error
// is returned for display. Selecting the active room does nothing.
func (d *Directory) Select(ctx context.Context, id string, sw Switcher) error {
	d.mu.Lock()
	to, ok := d.index(id)
	if !ok {
		d.mu.Unlock()
		return ErrUnknownRoom
	}
	if id == d.activeID {
		d.mu.Unlock()
		return nil
	}
	from, _ := d.index(d.activeID)
	var prev Room
	if from >= 0 {
		prev = d.rooms[from]
	}
	d.activeID = id
	d.rooms[to].UnreadCount = 0
	next := d.rooms[to]
	d.mu.Unlock()

	if sw == nil {
		return nil
	}
	return sw.Switch(ctx, prev, next)
}

// Filter returns rooms whose name or preview contains query, ignoring case.
// Whitespace in query is matched literally.
func (d *Directory) Filter(query string) []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q := strings.ToLower(query)
	if q == "" {
		return append([]Room(nil), d.rooms...)
	}
	var out []Room
	for _, r := range d.rooms {
		if strings.Contains(strings.ToLower(r.Name), q) || strings.Contains(strings.ToLower(r.LastPreview), q) {
			out = append(out, r)
		}
	}
	return out
}

// Touch records a new preview for the room. Rooms other than the active one
// count it as unread.
func (d *Directory) Touch(id, preview string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index(id)
	if !ok {
		return ErrUnknownRoom
	}
	d.rooms[i].LastPreview = preview
	d.rooms[i].LastPreviewAt = at
	if id != d.activeID {
		d.rooms[i].UnreadCount++
	}
	return nil
}

// FormatPreviewTime renders at relative to now the way the room list shows
// it: a clock time for today, "Yesterday", a weekday within a week, else a
// short date. Days are whole 24 hour periods elapsed.
func FormatPreviewTime(at, now time.Time) string {
	days := int(now.Sub(at) / (24 * time.Hour))
	switch {
	case days <= 0:
		return at.Format("15:04")
	case days == 1:
		return "Yesterday"
	case days < 7:
		return at.Format("Mon")
	default:
		return at.Format("Jan 2")
	}
}
