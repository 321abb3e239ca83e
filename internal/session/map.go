package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/wire"
)

// Eviction reasons carried in the FORCE_LOGOUT frame the displaced client
// receives before its sink closes.
const (
	ReasonSameGroup   = "same-device-type login"
	ReasonMultiDevice = "signed in elsewhere"
)

// Handle is one live session's entry in the map. The channel id
// disambiguates a stale session from its successor when the same user
// reconnects into the same slot.
type Handle struct {
	ChannelID  string
	UserID     string
	DeviceType wire.DeviceType
	Group      wire.DeviceGroup
	LoginTime  time.Time

	sink *Sink
}

// Sink returns the handle's outbound queue.
func (h *Handle) Sink() *Sink { return h.sink }

// Evicted describes a session displaced by Add.
type Evicted struct {
	ChannelID string
	Group     wire.DeviceGroup
	Reason    string
}

// mapShards spreads users across independently locked buckets so that the
// broker consumer's reads never contend with unrelated connects.
const mapShards = 32

type shard struct {
	mu    sync.RWMutex
	users map[string]map[wire.DeviceGroup]*Handle
}

// Map holds every live session on this gateway node.
//
// Invariants: at most one handle per (user, device group); when multi-device
// is disabled, at most one handle per user across all groups.
type Map struct {
	multiDevice bool
	shards      [mapShards]*shard
}

// NewMap creates an empty session map. multiDevice permits one session per
// device group instead of one per user.
func NewMap(multiDevice bool) *Map {
	m := &Map{multiDevice: multiDevice}
	for i := range m.shards {
		m.shards[i] = &shard{users: make(map[string]map[wire.DeviceGroup]*Handle)}
	}
	return m
}

func (m *Map) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return m.shards[h.Sum32()%mapShards]
}

// Add registers a new session and applies the exclusion policies. Any
// displaced session receives a FORCE_LOGOUT frame on its sink before the
// sink closes, so the client observes the reason. The returned evictions
// are for the caller's logs and metrics; the frames are already sent.
func (m *Map) Add(userID string, device wire.DeviceType, sink *Sink) (*Handle, []Evicted) {
	handle := &Handle{
		ChannelID:  uuid.NewString(),
		UserID:     userID,
		DeviceType: device,
		Group:      device.Group(),
		LoginTime:  time.Now(),
		sink:       sink,
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	groups := sh.users[userID]
	if groups == nil {
		groups = make(map[wire.DeviceGroup]*Handle, 1)
		sh.users[userID] = groups
	}

	var evicted []Evicted
	if old, ok := groups[handle.Group]; ok {
		delete(groups, handle.Group)
		evicted = append(evicted, Evicted{ChannelID: old.ChannelID, Group: old.Group, Reason: ReasonSameGroup})
		defer evict(old, ReasonSameGroup)
	}
	if !m.multiDevice {
		for g, old := range groups {
			if g == handle.Group {
				continue
			}
			delete(groups, g)
			evicted = append(evicted, Evicted{ChannelID: old.ChannelID, Group: old.Group, Reason: ReasonMultiDevice})
			defer evict(old, ReasonMultiDevice)
		}
	}

	groups[handle.Group] = handle
	sh.mu.Unlock()
	return handle, evicted
}

// evict notifies and closes a displaced session. Best-effort: a sink that
// is already full or closed just loses the notice.
func evict(old *Handle, reason string) {
	frame := wire.ControlFrame(wire.CodeForceLogout, reason).MustEncode()
	_ = old.sink.TrySend(frame)
	old.sink.Close()
}

// RemoveByChannelID removes the user's session in the given group iff the
// stored channel id matches. A mismatch means the slot belongs to a newer
// session and is left alone. Reports whether a removal happened.
func (m *Map) RemoveByChannelID(userID string, group wire.DeviceGroup, channelID string) bool {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	groups := sh.users[userID]
	handle, ok := groups[group]
	if !ok || handle.ChannelID != channelID {
		return false
	}
	delete(groups, group)
	if len(groups) == 0 {
		delete(sh.users, userID)
	}
	return true
}

// SinksForUser returns the sinks of every live session the user holds on
// this node. The slice is a snapshot; sinks may close at any time after.
func (m *Map) SinksForUser(userID string) []*Sink {
	sh := m.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	groups := sh.users[userID]
	if len(groups) == 0 {
		return nil
	}
	sinks := make([]*Sink, 0, len(groups))
	for _, h := range groups {
		sinks = append(sinks, h.sink)
	}
	return sinks
}

// Lookup returns the handle at (user, group), if any.
func (m *Map) Lookup(userID string, group wire.DeviceGroup) (*Handle, bool) {
	sh := m.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	h, ok := sh.users[userID][group]
	return h, ok
}

// OnlineUserCount counts users with at least one live session. Approximate
// under concurrent mutation.
func (m *Map) OnlineUserCount() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.users)
		sh.mu.RUnlock()
	}
	return total
}

// SessionCount counts live sessions across all users. Approximate under
// concurrent mutation.
func (m *Map) SessionCount() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, groups := range sh.users {
			total += len(groups)
		}
		sh.mu.RUnlock()
	}
	return total
}
