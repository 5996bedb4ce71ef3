package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"parlor/cmd/internal/messaging"
	"parlor/cmd/internal/metrics"
)

// RoomID names a fan-out target: user:<id> or conversation:<id>.
type RoomID string

const (
	userRoomPrefix         = "user:"
	conversationRoomPrefix = "conversation:"
)

func UserRoom(userID string) RoomID { return RoomID(userRoomPrefix + userID) }

func ConversationRoom(conversationID string) RoomID {
	return RoomID(conversationRoomPrefix + conversationID)
}

// ConversationID returns the conversation id of a conversation room.
func (r RoomID) ConversationID() (string, bool) {
	s := string(r)
	if !strings.HasPrefix(s, conversationRoomPrefix) {
		return "", false
	}
	return s[len(conversationRoomPrefix):], true
}

// ErrRoomsClosed is returned by OnConnect after Shutdown.
var ErrRoomsClosed = errors.New("realtime: rooms are shut down")

// ErrClientDisconnected is returned by OnConnect for a client that already disconnected.
var ErrClientDisconnected = errors.New("realtime: client is disconnected")

// Rooms tracks which connections are joined to which rooms and delivers
// events to them. It implements messaging.Fanout.
//
// Membership changes and deliveries share one RWMutex, so the member set a
// publish delivers to is also the set it reports back.
type Rooms struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	conns   map[string]*Client
	members map[RoomID]map[string]*Client
	joined  map[string]map[RoomID]struct{}
	closed  bool
}

var _ messaging.Fanout = (*Rooms)(nil)

// RoomsOption configures Rooms.
type RoomsOption func(*Rooms)

func WithRoomsMetrics(m *metrics.Metrics) RoomsOption {
	return func(r *Rooms) { r.metrics = m }
}

func WithRoomsClock(now func() time.Time) RoomsOption {
	return func(r *Rooms) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRooms constructs an empty membership manager.
func NewRooms(log *slog.Logger, opts ...RoomsOption) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	r := &Rooms{
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		conns:   make(map[string]*Client),
		members: make(map[RoomID]map[string]*Client),
		joined:  make(map[string]map[RoomID]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnConnect registers c and joins its personal room. Calling it again for
// the same connection is a no-op.
func (r *Rooms) OnConnect(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(c)
}

func (r *Rooms) connectLocked(c *Client) error {
	if r.closed {
		return ErrRoomsClosed
	}
	if c.State() == StateDisconnected {
		return ErrClientDisconnected
	}
	if _, ok := r.conns[c.ConnectionID]; ok {
		return nil
	}
	r.conns[c.ConnectionID] = c
	r.joined[c.ConnectionID] = make(map[RoomID]struct{}, 4)
	r.addLocked(c, UserRoom(c.UserID))
	c.setState(StateAuthenticated)
	return nil
}

// Join adds the connection to conversation:<id>. It reports false when the
// connection is not registered (never connected or already disconnected).
func (r *Rooms) Join(connectionID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(connectionID, conversationID)
}

func (r *Rooms) joinLocked(connectionID, conversationID string) bool {
	c, ok := r.conns[connectionID]
	if !ok || conversationID == "" {
		return false
	}
	if !c.setState(StateJoined) {
		return false
	}
	r.addLocked(c, ConversationRoom(conversationID))
	return true
}

// Leave removes the connection from conversation:<id>; no-op when not joined.
func (r *Rooms) Leave(connectionID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	r.removeLocked(connectionID, ConversationRoom(conversationID))

	for room := range r.joined[connectionID] {
		if _, isConv := room.ConversationID(); isConv {
			return
		}
	}
	c.setState(StateAuthenticated)
}

// ReconnectRejoin registers c and replays its previous conversation joins in
// one critical section. It returns the conversation ids c is joined to
// afterwards, which also covers joins issued concurrently by the client.
func (r *Rooms) ReconnectRejoin(c *Client, previouslyJoined []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(c); err != nil {
		return nil, err
	}
	for _, id := range previouslyJoined {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		r.joinLocked(c.ConnectionID, id)
	}
	return r.conversationsLocked(c.ConnectionID), nil
}

// Disconnect drops every membership of the connection and marks it
// Disconnected. It returns the client, or nil when it was not registered.
func (r *Rooms) Disconnect(connectionID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnectLocked(connectionID)
}

func (r *Rooms) disconnectLocked(connectionID string) *Client {
	c, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	for room := range r.joined[connectionID] {
		r.removeLocked(connectionID, room)
	}
	delete(r.joined, connectionID)
	delete(r.conns, connectionID)
	c.setState(StateDisconnected)
	return c
}

// JoinedRooms returns the rooms of a connection, sorted.
func (r *Rooms) JoinedRooms(connectionID string) []RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomID, 0, len(r.joined[connectionID]))
	for room := range r.joined[connectionID] {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsJoined reports whether the connection is joined to conversation:<id>.
func (r *Rooms) IsJoined(connectionID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[connectionID][ConversationRoom(conversationID)]
	return ok
}

// Connections returns the number of registered connections.
func (r *Rooms) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PublishConversation delivers ev to conversation:<id> and returns the user
// ids of the members it was addressed to.
func (r *Rooms) PublishConversation(conversationID string, ev messaging.Event) map[string]struct{} {
	users, _ := r.publish(ConversationRoom(conversationID), ev)
	return users
}

// PublishUser delivers ev to user:<id> and returns the number of connections reached.
func (r *Rooms) PublishUser(userID string, ev messaging.Event) int {
	_, n := r.publish(UserRoom(userID), ev)
	return n
}

func (r *Rooms) publish(room RoomID, ev messaging.Event) (map[string]struct{}, int) {
	frame, err := encodeEvent(ev, r.now())
	if err != nil {
		r.log.Error("rooms.encode.fail", "room", string(room), "type", string(ev.Type), "err", err)
		return nil, 0
	}

	var (
		users     = make(map[string]struct{})
		delivered int
		slow      []*Client
	)

	r.mu.RLock()
	for _, c := range r.members[room] {
		if c.closed() {
			continue
		}
		users[c.UserID] = struct{}{}
		if c.offer(frame) {
			delivered++
			continue
		}
		slow = append(slow, c)
	}
	r.mu.RUnlock()

	r.metrics.ObserveDelivery(string(ev.Type), delivered)

	for _, c := range slow {
		r.metrics.ObserveDrop()
		r.metrics.ObserveSlowConsumer()
		r.log.Warn("rooms.slow_consumer",
			"connection_id", c.ConnectionID,
			"user_id", c.UserID,
			"room", string(room),
			"type", string(ev.Type),
		)
		r.Disconnect(c.ConnectionID)
		c.Close(CloseReasonSlowConsumer)
	}
	return users, delivered
}

// Shutdown disconnects every connection and refuses new ones.
func (r *Rooms) Shutdown() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.conns))
	for id := range r.conns {
		if c := r.disconnectLocked(id); c != nil {
			clients = append(clients, c)
		}
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close(CloseReasonShutdown)
	}
	r.log.Info("rooms.shutdown", "connections", len(clients))
}

func (r *Rooms) conversationsLocked(connectionID string) []string {
	out := make([]string, 0, len(r.joined[connectionID]))
	for room := range r.joined[connectionID] {
		if id, ok := room.ConversationID(); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Rooms) addLocked(c *Client, room RoomID) {
	m := r.members[room]
	if m == nil {
		m = make(map[string]*Client)
		r.members[room] = m
	}
	m[c.ConnectionID] = c
	r.joined[c.ConnectionID][room] = struct{}{}
}

func (r *Rooms) removeLocked(connectionID string, room RoomID) {
	if m := r.members[room]; m != nil {
		delete(m, connectionID)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.joined[connectionID], room)
}
