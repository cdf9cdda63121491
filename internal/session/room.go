package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"collabdoc/internal/document"
	"collabdoc/internal/models"
	"collabdoc/internal/utils"
)

const (
	// HistorySize is the number of accepted steps a room retains for catch-up.
	HistorySize = 100
	// RestrictedAuthors caps concurrent authors for organizations without the
	// collaboration entitlement.
	RestrictedAuthors = 2

	DefaultTitle    = "New untitled article"
	AutosaveMessage = "Work in progress"
	maxTitleLength  = 100

	loadTimeout = 30 * time.Second
)

// Gateway is the persistence boundary a room loads from and saves to.
type Gateway interface {
	Organization(ctx context.Context, p models.Principal) (models.Entitlement, error)
	LoadArticle(ctx context.Context, p models.Principal, ref models.DocRef) (*models.Snapshot, error)
	SaveArticle(ctx context.Context, p models.Principal, payload models.SavePayload) (models.SaveResult, error)
}

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateInitialized
)

type stepEntry struct {
	step     document.Step
	clientID string
}

// SaveOptions selects between an explicit save requested by a client and
// an autosave issued by the server.
type SaveOptions struct {
	Explicit bool
	Message  string
	Draft    bool
	// Final marks the closing save of a room. It follows the autosave
	// payload policy but waits out a pending explicit save instead of
	// being skipped by it.
	Final bool
}

// Room is the authoritative state of one live article. All mutation happens
// under mu; gateway calls are made with mu released.
type Room struct {
	ID           string
	Organization string

	gw  Gateway
	log *utils.Logger

	mu         sync.Mutex
	state      initState
	ready      chan struct{}
	initErr    error
	maxAuthors int

	ref      models.DocRef
	content  *document.Node
	version  int64
	steps    []stepEntry
	authors  []string
	clients  map[string]*Client
	lastUser models.Principal
	touched  []string

	title         string
	tags          []string
	language      string
	rtl           bool
	accessMode    models.AccessMode
	access        []models.AccessEntry
	clientVisible bool

	dirty           bool
	generation      uint64
	explicitPending int
	// saving holds a token while a gateway save is in flight.
	saving chan struct{}

	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewRoom(id, org string, ref models.DocRef, gw Gateway, log *utils.Logger) *Room {
	return &Room{
		ID:           id,
		Organization: org,
		gw:           gw,
		log:          log.With("room", id),
		ready:        make(chan struct{}),
		ref:          ref,
		content:      document.Empty(),
		clients:      make(map[string]*Client),
		language:     ref.Lang,
		accessMode:   models.AccessPrivate,
		saving:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

/*** Membership ***/

// Join admits c as an author and returns the full session view.
func (r *Room) Join(ctx context.Context, c *Client) (models.SessionView, error) {
	pid := c.Principal.ID
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.SessionView{}, ErrRoomClosed
	}
	if _, ok := r.clients[pid]; ok {
		r.mu.Unlock()
		return models.SessionView{}, ErrAlreadyJoined
	}
	r.mu.Unlock()

	if err := r.ensureInit(ctx, c.Principal); err != nil {
		return models.SessionView{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.SessionView{}, ErrRoomClosed
	}
	if _, ok := r.clients[pid]; ok {
		return models.SessionView{}, ErrAlreadyJoined
	}
	if r.maxAuthors != 0 && len(r.authors) >= r.maxAuthors {
		return models.SessionView{}, ErrCapacityExceeded
	}
	r.authors = append(r.authors, pid)
	r.clients[pid] = c
	r.lastUser = c.Principal
	if !slices.Contains(r.touched, pid) {
		r.touched = append(r.touched, pid)
	}
	r.broadcastLocked(c, models.WSFrame{Type: models.EventAuthorJoined, Data: models.AuthorEvent{PrincipalID: pid}})
	return r.viewLocked(), nil
}

// ensureInit resolves entitlement and loads the article exactly once. Joins
// arriving while the first load is in flight wait for its outcome. A failed
// load closes the room.
func (r *Room) ensureInit(ctx context.Context, p models.Principal) error {
	r.mu.Lock()
	switch r.state {
	case stateInitialized:
		err := r.initErr
		r.mu.Unlock()
		return err
	case stateInitializing:
		ready := r.ready
		r.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.initErr
	}
	r.state = stateInitializing
	ref := r.ref
	r.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	defer cancel()
	maxAuthors, snap, err := r.load(loadCtx, p, ref)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateInitialized
	if err != nil {
		r.log.Error("room init failed", "principal", p.ID, "doc", ref.ID, "error", err)
		r.initErr = err
		r.closed = true
		r.finish()
	} else {
		r.maxAuthors = maxAuthors
		if snap != nil {
			r.adoptSnapshotLocked(snap)
		}
	}
	close(r.ready)
	return err
}

func (r *Room) load(ctx context.Context, p models.Principal, ref models.DocRef) (int, *models.Snapshot, error) {
	ent, err := r.gw.Organization(ctx, p)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: organization: %w", ErrLoadFailed, err)
	}
	maxAuthors := 0
	if !ent.Entitled {
		maxAuthors = RestrictedAuthors
	}
	if ref.IsZero() {
		return maxAuthors, nil, nil
	}
	snap, err := r.gw.LoadArticle(ctx, p, ref)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: article %s: %w", ErrLoadFailed, ref.ID, err)
	}
	if snap == nil {
		return 0, nil, fmt.Errorf("%w: article %s not found", ErrLoadFailed, ref.ID)
	}
	if _, err := document.Parse(snap.Content); err != nil {
		return 0, nil, fmt.Errorf("%w: article %s: %w", ErrLoadFailed, ref.ID, err)
	}
	return maxAuthors, snap, nil
}

func (r *Room) adoptSnapshotLocked(snap *models.Snapshot) {
	content, _ := document.Parse(snap.Content)
	r.content = content
	if snap.ID != "" {
		r.ref.ID = snap.ID
	}
	if snap.Lang != "" {
		r.language = snap.Lang
	}
	r.title = snap.Title
	r.tags = append([]string(nil), snap.Tags...)
	r.rtl = snap.RTL
	r.accessMode = snap.AccessMode
	r.access = append([]models.AccessEntry(nil), snap.Access...)
	r.clientVisible = snap.ClientVisible
}

// Leave removes c from the room. It reports how many authors remain and
// whether c was a member. When the last author leaves the room is closed to
// further joins.
func (r *Room) Leave(c *Client) (int, bool) {
	pid := c.Principal.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[pid]; !ok || cur != c {
		return len(r.authors), false
	}
	delete(r.clients, pid)
	r.authors = remove(r.authors, pid)
	r.broadcastLocked(nil, models.WSFrame{Type: models.EventAuthorLeft, Data: models.AuthorEvent{PrincipalID: pid}})
	if len(r.authors) == 0 {
		r.closed = true
	}
	return len(r.authors), true
}

// Close marks the room closed without waiting for authors to leave.
func (r *Room) Close() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*Client, 0, len(r.authors))
	for _, pid := range r.authors {
		out = append(out, r.clients[pid])
	}
	return out
}

func (r *Room) finish() { r.closeOnce.Do(func() { close(r.done) }) }

// Done is closed once the room has been torn down.
func (r *Room) Done() <-chan struct{} { return r.done }

/*** Step protocol ***/

// Submit applies a batch of steps based on fromVersion. The outcome is
// broadcast to every author, the submitter included.
func (r *Room) Submit(req models.SubmitSteps) (bool, error) {
	accepted, _, err := r.submit(req)
	return accepted, err
}

// submit also reports how many steps the batch decoded to.
func (r *Room) submit(req models.SubmitSteps) (bool, int, error) {
	steps, decodeErr := document.DecodeSteps(req.Steps)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, len(steps), ErrRoomClosed
	}
	out := models.StepsAccepted{Version: req.FromVersion, Steps: req.Steps, ClientID: req.ClientID}
	var err error
	switch {
	case req.FromVersion != r.version:
		err = fmt.Errorf("%w: based on %d, room at %d", ErrStaleVersion, req.FromVersion, r.version)
	case decodeErr != nil:
		err = fmt.Errorf("%w: %v", ErrApplyFailed, decodeErr)
	default:
		next, applyErr := document.ApplyAll(r.content, steps)
		if applyErr != nil {
			err = fmt.Errorf("%w: %v", ErrApplyFailed, applyErr)
			break
		}
		r.commitLocked(next, steps, req.ClientID)
		out.Accepted = true
	}
	if err != nil {
		r.log.Warn("steps rejected", "client", req.ClientID, "fromVersion", req.FromVersion, "error", err)
	}
	r.broadcastLocked(nil, models.WSFrame{Type: models.EventStepsAccepted, Data: out})
	return out.Accepted, len(steps), err
}

func (r *Room) commitLocked(next *document.Node, steps []document.Step, clientID string) {
	if len(steps) == 0 {
		return
	}
	r.content = next
	r.version += int64(len(steps))
	for _, s := range steps {
		r.steps = append(r.steps, stepEntry{step: s, clientID: clientID})
	}
	if over := len(r.steps) - HistorySize; over > 0 {
		r.steps = append([]stepEntry(nil), r.steps[over:]...)
	}
	r.markDirtyLocked()
}

// GetState returns the retained steps from sinceVersion on. Truncated is set
// when sinceVersion predates the oldest retained step.
func (r *Room) GetState(since int64) (models.StateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := models.StateSnapshot{Title: r.title, Version: r.version, Steps: []json.RawMessage{}, ClientIDs: []string{}}
	base := r.version - int64(len(r.steps))
	offset := since - base
	if offset < 0 {
		offset = 0
		snap.Truncated = true
	}
	if offset >= int64(len(r.steps)) {
		return snap, nil
	}
	for _, e := range r.steps[offset:] {
		raw, err := json.Marshal(e.step)
		if err != nil {
			return models.StateSnapshot{}, err
		}
		snap.Steps = append(snap.Steps, raw)
		snap.ClientIDs = append(snap.ClientIDs, e.clientID)
	}
	return snap, nil
}

/*** Metadata and access ***/

// mutate runs fn under the lock. When fn reports a change the room becomes
// dirty and the frame goes to every author except sender.
func (r *Room) mutate(sender *Client, fn func() (models.WSFrame, bool)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrRoomClosed
	}
	frame, changed := fn()
	if !changed {
		return false, nil
	}
	r.markDirtyLocked()
	r.broadcastLocked(sender, frame)
	return true, nil
}

func (r *Room) SetTitle(sender *Client, title string) error {
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		r.title = title
		return models.WSFrame{Type: models.EventTitleChanged, Data: models.TitleChange{Title: title}}, true
	})
	return err
}

func (r *Room) SetLanguage(sender *Client, lang string) error {
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		r.language = lang
		return models.WSFrame{Type: models.EventLanguageChanged, Data: models.LanguageChange{Lang: lang}}, true
	})
	return err
}

func (r *Room) SetDirection(sender *Client, rtl bool) error {
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		r.rtl = rtl
		return models.WSFrame{Type: models.EventDirectionChanged, Data: models.DirectionChange{RTL: rtl}}, true
	})
	return err
}

func (r *Room) SetClientVisibility(sender *Client, visible bool) error {
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		r.clientVisible = visible
		return models.WSFrame{Type: models.EventClientVisibilityChanged, Data: models.ClientVisibilityChange{Visible: visible}}, true
	})
	return err
}

// AddTag adds tag unless an equal tag ignoring case is present.
func (r *Room) AddTag(sender *Client, tag string) (bool, error) {
	key := models.NormalizeTag(tag)
	if key == "" {
		return false, fmt.Errorf("%w: empty tag", ErrBadRequest)
	}
	return r.mutate(sender, func() (models.WSFrame, bool) {
		for _, t := range r.tags {
			if models.NormalizeTag(t) == key {
				return models.WSFrame{}, false
			}
		}
		r.tags = append(r.tags, tag)
		return models.WSFrame{Type: models.EventTagAdded, Data: models.TagChange{Tag: tag}}, true
	})
}

// RemoveTag removes the tag equal to tag ignoring case.
func (r *Room) RemoveTag(sender *Client, tag string) (bool, error) {
	key := models.NormalizeTag(tag)
	return r.mutate(sender, func() (models.WSFrame, bool) {
		for i, t := range r.tags {
			if models.NormalizeTag(t) == key {
				r.tags = append(r.tags[:i:i], r.tags[i+1:]...)
				return models.WSFrame{Type: models.EventTagRemoved, Data: models.TagChange{Tag: tag}}, true
			}
		}
		return models.WSFrame{}, false
	})
}

// SetAccess grants or updates access for one user or group. The last write
// to an entry wins.
func (r *Room) SetAccess(sender *Client, entry models.AccessEntry) error {
	if !entry.Valid() {
		return fmt.Errorf("%w: access entry needs exactly one of user or group", ErrBadRequest)
	}
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		frame := models.WSFrame{Type: models.EventAccessSet, Data: entry}
		for i, e := range r.access {
			if e.SameGrantee(entry) {
				r.access[i].Write = entry.Write
				return frame, true
			}
		}
		r.access = append(r.access, entry)
		return frame, true
	})
	return err
}

func (r *Room) RemoveAccess(sender *Client, entry models.AccessEntry) (bool, error) {
	if !entry.Valid() {
		return false, fmt.Errorf("%w: access entry needs exactly one of user or group", ErrBadRequest)
	}
	return r.mutate(sender, func() (models.WSFrame, bool) {
		for i, e := range r.access {
			if e.SameGrantee(entry) {
				r.access = append(r.access[:i:i], r.access[i+1:]...)
				return models.WSFrame{Type: models.EventAccessRemoved, Data: entry}, true
			}
		}
		return models.WSFrame{}, false
	})
}

func (r *Room) SetAccessMode(sender *Client, mode models.AccessMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: access mode %d", ErrBadRequest, mode)
	}
	_, err := r.mutate(sender, func() (models.WSFrame, bool) {
		r.accessMode = mode
		return models.WSFrame{Type: models.EventAccessModeChanged, Data: models.AccessModeChange{Mode: mode}}, true
	})
	return err
}

// Cursor relays a selection to the other authors. It does not dirty the room.
func (r *Room) Cursor(sender *Client, cur models.Cursor) {
	cur.PrincipalID = sender.Principal.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(sender, models.WSFrame{Type: models.EventCursorChanged, Data: cur})
}

// DiscardChanges drops the dirty flag so the closing save is skipped.
func (r *Room) DiscardChanges() {
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
}

func (r *Room) markDirtyLocked() {
	r.dirty = true
	r.generation++
}

/*** Persistence ***/

// Save writes the room through the gateway. It reports whether a save was
// attempted. Saves of one room run one at a time; a save that has to wait
// re-checks the room afterwards, so it sees the id adopted by the save
// before it. An autosave is skipped when nothing changed or while an
// explicit save is queued or in flight.
func (r *Room) Save(ctx context.Context, p models.Principal, opts SaveOptions) (bool, error) {
	draft := !opts.Explicit && !opts.Final
	if draft && r.explicitSavePending() {
		return false, nil
	}
	if opts.Explicit {
		r.mu.Lock()
		r.explicitPending++
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.explicitPending--
			r.mu.Unlock()
		}()
	}

	select {
	case r.saving <- struct{}{}:
	case <-ctx.Done():
		return false, fmt.Errorf("%w: waiting for in-flight save: %w", ErrPersistence, ctx.Err())
	}
	defer func() { <-r.saving }()

	r.mu.Lock()
	if !r.dirty && (!opts.Explicit || opts.Draft) {
		r.mu.Unlock()
		return false, nil
	}
	if draft && r.explicitPending > 0 {
		r.mu.Unlock()
		return false, nil
	}
	payload, err := r.payloadLocked(opts)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	gen := r.generation
	r.mu.Unlock()

	res, err := r.gw.SaveArticle(ctx, p, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		r.log.Error("save failed", "principal", p.ID, "doc", payload.ID, "error", err)
		r.broadcastLocked(nil, models.WSFrame{Type: models.EventSaveFailed, Data: models.SaveFailed{PrincipalID: p.ID, Error: err.Error()}})
		return true, err
	}
	if r.generation == gen {
		r.dirty = false
	}
	if r.ref.ID == "" && res.ID != "" {
		r.ref.ID = res.ID
	}
	r.broadcastLocked(nil, models.WSFrame{Type: models.EventSaveAck, Data: models.SaveAck{
		ID:          r.ref.ID,
		PrincipalID: p.ID,
		Message:     payload.Message,
		IsDraft:     payload.WIP,
	}})
	return true, nil
}

func (r *Room) explicitSavePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.explicitPending > 0
}

func (r *Room) payloadLocked(opts SaveOptions) (models.SavePayload, error) {
	content, err := document.Serialize(r.content)
	if err != nil {
		return models.SavePayload{}, err
	}
	p := models.SavePayload{
		ID:            r.ref.ID,
		Lang:          r.language,
		Title:         r.title,
		Content:       content,
		Tags:          append([]string(nil), r.tags...),
		RTL:           r.rtl,
		AccessMode:    r.accessMode,
		Access:        append([]models.AccessEntry(nil), r.access...),
		ClientVisible: r.clientVisible,
		Contributors:  append([]string(nil), r.touched...),
		Message:       opts.Message,
		WIP:           opts.Draft,
	}
	if !opts.Explicit {
		if p.Title == "" {
			p.Title = DefaultTitle
		}
		if p.ID == "" {
			p.AccessMode = models.AccessPrivate
		}
		p.Message = AutosaveMessage
		p.WIP = true
	}
	p.Title = truncateRunes(p.Title, maxTitleLength)
	return p, nil
}

/*** Views ***/

func (r *Room) viewLocked() models.SessionView {
	content, _ := document.Serialize(r.content)
	return models.SessionView{
		RoomID:        r.ID,
		DocID:         r.ref.ID,
		Title:         r.title,
		Content:       content,
		Tags:          append([]string{}, r.tags...),
		Language:      r.language,
		RTL:           r.rtl,
		AccessMode:    r.accessMode,
		Access:        append([]models.AccessEntry{}, r.access...),
		ClientVisible: r.clientVisible,
		Version:       r.version,
		Authors:       append([]string{}, r.authors...),
	}
}

// View returns the current session view.
func (r *Room) View() models.SessionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

func (r *Room) Ref() models.DocRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ref
}

func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) Authors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.authors...)
}

// Actor is the principal used for server-initiated saves: the most recent
// author to join.
func (r *Room) Actor() models.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUser
}

func (r *Room) Status(status string) models.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RoomStatus{
		RoomID:       r.ID,
		Organization: r.Organization,
		DocID:        r.ref.ID,
		Lang:         r.language,
		Authors:      len(r.authors),
		Version:      r.version,
		Status:       status,
		UpdatedAt:    time.Now().UTC(),
	}
}

/*** Fan-out ***/

func (r *Room) broadcastLocked(except *Client, frame models.WSFrame) {
	for _, pid := range r.authors {
		if c := r.clients[pid]; c != nil && c != except {
			c.Send(frame)
		}
	}
}

// Broadcast sends frame to every author except sender.
func (r *Room) Broadcast(sender *Client, frame models.WSFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(sender, frame)
}

func remove(list []string, s string) []string {
	if i := slices.Index(list, s); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
