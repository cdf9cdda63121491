package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabdoc/internal/models"
	"collabdoc/internal/utils"
)

const defaultSaveTimeout = 30 * time.Second

// Observer is notified of room lifecycle events. Implementations must not
// block.
type Observer interface {
	RoomOpened(status models.RoomStatus)
	RoomClosed(status models.RoomStatus)
	RoomSaved(status models.RoomStatus, err error)
	StepsSubmitted(roomID string, steps int, accepted bool)
}

// Manager owns the registry and drives room lifecycle for connected clients.
type Manager struct {
	hub      *Hub
	resolver *Resolver
	gw       Gateway
	log      *utils.Logger

	// SaveTimeout bounds the save issued when the last author leaves.
	SaveTimeout time.Duration

	mu        sync.Mutex
	clients   map[string]*Client
	observers []Observer
	closing   bool
}

func NewManager(gw Gateway, log *utils.Logger) *Manager {
	hub := NewHub()
	return &Manager{
		hub:         hub,
		resolver:    NewResolver(hub),
		gw:          gw,
		log:         log,
		SaveTimeout: defaultSaveTimeout,
		clients:     make(map[string]*Client),
	}
}

func (m *Manager) Hub() *Hub           { return m.hub }
func (m *Manager) Resolver() *Resolver { return m.resolver }

// AddObserver registers o for lifecycle notifications.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Manager) notify(fn func(Observer)) {
	m.mu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

/*** Connections ***/

// Register tracks an admitted connection.
func (m *Manager) Register(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	m.clients[c.ID] = c
	return nil
}

// Unregister leaves the client's room, if any, and forgets the connection.
func (m *Manager) Unregister(ctx context.Context, c *Client) {
	if err := m.Close(ctx, c); err != nil {
		m.log.Warn("leave on disconnect failed", "client", c.ID, "principal", c.Principal.ID, "error", err)
	}
	m.mu.Lock()
	delete(m.clients, c.ID)
	m.mu.Unlock()
}

func (m *Manager) Stats() models.Stats {
	m.mu.Lock()
	conns := len(m.clients)
	m.mu.Unlock()
	return models.Stats{Rooms: m.hub.Count(), Connections: conns}
}

// RoomStatus reports a room hosted by this process.
func (m *Manager) RoomStatus(roomID string) (models.RoomStatus, bool) {
	room, ok := m.hub.Get(roomID)
	if !ok {
		return models.RoomStatus{}, false
	}
	return room.Status("open"), true
}

/*** Lifecycle ***/

// Open resolves the room for req and joins c to it. Joins that race with a
// closing room wait for its teardown and retry against a fresh room.
func (m *Manager) Open(ctx context.Context, c *Client, req models.OpenDocument) (*Room, models.SessionView, error) {
	if c.Principal.ReadOnly {
		return nil, models.SessionView{}, ErrUnauthorized
	}
	if c.Room() != nil {
		return nil, models.SessionView{}, ErrAlreadyJoined
	}
	org := c.Principal.Organization
	ref := models.DocRef{ID: req.DocID, Lang: req.LangID}
	for {
		room, created, err := m.resolver.Acquire(org, req.RoomID, ref, func(id string) *Room {
			return NewRoom(id, org, ref, m.gw, m.log)
		})
		if err != nil {
			return nil, models.SessionView{}, err
		}
		view, err := room.Join(ctx, c)
		switch {
		case errors.Is(err, ErrRoomClosed):
			select {
			case <-room.Done():
			case <-ctx.Done():
				return nil, models.SessionView{}, ctx.Err()
			}
			m.hub.Remove(room)
			continue
		case errors.Is(err, ErrLoadFailed):
			if room.Closed() {
				m.hub.Remove(room)
			}
			return nil, models.SessionView{}, err
		case err != nil:
			return nil, models.SessionView{}, err
		}
		c.setRoom(room)
		if created {
			st := room.Status("open")
			m.notify(func(o Observer) { o.RoomOpened(st) })
		}
		m.log.Info("author joined", "room", room.ID, "principal", c.Principal.ID, "doc", view.DocID)
		return room, view, nil
	}
}

// Close removes c from its room. The last author out saves the room and
// removes it from the registry whether or not the save succeeds.
func (m *Manager) Close(ctx context.Context, c *Client) error {
	room := c.Room()
	if room == nil {
		return nil
	}
	c.setRoom(nil)
	remaining, ok := room.Leave(c)
	if !ok || remaining > 0 || m.shuttingDown() {
		return nil
	}
	return m.teardown(ctx, room, c.Principal)
}

func (m *Manager) teardown(ctx context.Context, room *Room, actor models.Principal) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.SaveTimeout)
	defer cancel()
	saved, err := room.Save(saveCtx, actor, SaveOptions{Final: true})
	if saved {
		st := room.Status("saved")
		m.notify(func(o Observer) { o.RoomSaved(st, err) })
	}
	if err != nil {
		m.log.Error("closing save failed, discarding room", "room", room.ID, "principal", actor.ID, "error", err)
	}
	m.hub.Remove(room)
	room.finish()
	st := room.Status("closed")
	m.notify(func(o Observer) { o.RoomClosed(st) })
	m.log.Info("room closed", "room", room.ID)
	return err
}

func (m *Manager) shuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func (m *Manager) roomOf(c *Client) (*Room, error) {
	r := c.Room()
	if r == nil {
		return nil, ErrNotJoined
	}
	return r, nil
}

// Submit forwards a step batch to the client's room.
func (m *Manager) Submit(c *Client, req models.SubmitSteps) (bool, error) {
	room, err := m.roomOf(c)
	if err != nil {
		return false, err
	}
	if c.Principal.ReadOnly {
		return false, ErrUnauthorized
	}
	accepted, n, err := room.submit(req)
	m.notify(func(o Observer) { o.StepsSubmitted(room.ID, n, accepted) })
	return accepted, err
}

// Save performs an explicit save on behalf of c.
func (m *Manager) Save(ctx context.Context, c *Client, req models.SaveRequest) error {
	room, err := m.roomOf(c)
	if err != nil {
		return err
	}
	if c.Principal.ReadOnly {
		return ErrUnauthorized
	}
	saved, err := room.Save(ctx, c.Principal, SaveOptions{Explicit: true, Message: req.Message, Draft: req.IsDraft})
	if saved {
		st := room.Status("saved")
		m.notify(func(o Observer) { o.RoomSaved(st, err) })
	}
	return err
}

// AutosaveAll issues a draft save for every dirty room. It returns the
// number of rooms saved.
func (m *Manager) AutosaveAll(ctx context.Context) int {
	count := 0
	for _, room := range m.hub.Rooms() {
		if !room.Dirty() || room.Closed() {
			continue
		}
		saved, err := room.Save(ctx, room.Actor(), SaveOptions{})
		if !saved {
			continue
		}
		st := room.Status("saved")
		m.notify(func(o Observer) { o.RoomSaved(st, err) })
		if err != nil {
			m.log.Warn("autosave failed", "room", room.ID, "error", err)
			continue
		}
		count++
	}
	return count
}

// Shutdown stops admitting connections, saves every live room concurrently
// and closes all clients. It returns ctx's error if the deadline passes
// before all saves finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	rooms := m.hub.Rooms()
	var wg sync.WaitGroup
	for _, room := range rooms {
		room.Close()
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			actor := room.Actor()
			if _, err := room.Save(ctx, actor, SaveOptions{Final: true}); err != nil {
				m.log.Error("shutdown save failed", "room", room.ID, "principal", actor.ID, "error", err)
			}
			m.hub.Remove(room)
			room.finish()
		}(room)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown interrupted with rooms still saving: %w", ctx.Err())
	}
	for _, c := range clients {
		c.Close()
	}
	return err
}
