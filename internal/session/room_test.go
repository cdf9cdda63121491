package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"collabdoc/internal/document"
	"collabdoc/internal/models"
)

func TestRoomJoinNewDocumentStartsEmpty(t *testing.T) {
	gw := newFakeGateway()
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")

	view := mustJoin(t, room, c1)
	if view.Version != 0 || view.RoomID != "acme-1" {
		t.Fatalf("unexpected view: %#v", view)
	}
	doc, err := document.Parse(view.Content)
	if err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if len(doc.Content) != 1 || doc.Content[0].Type != document.TypeParagraph {
		t.Fatalf("expected single empty paragraph, got %#v", doc)
	}
	if len(view.Authors) != 1 || view.Authors[0] != "u1" {
		t.Fatalf("unexpected authors: %v", view.Authors)
	}
	if _, loads := gw.counts(); loads != 0 {
		t.Fatalf("new document must not be loaded, got %d loads", loads)
	}
}

func TestRoomJoinLoadsSnapshot(t *testing.T) {
	gw := newFakeGateway()
	gw.snapshot = &models.Snapshot{
		ID:         "D",
		Lang:       "en",
		Title:      "Release notes",
		Content:    []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]}]}`),
		Tags:       []string{"Go"},
		AccessMode: models.AccessOrgVisible,
		Access:     []models.AccessEntry{{UserID: "u9", Write: true}},
	}
	room := newTestRoom(gw, models.DocRef{ID: "D", Lang: "en"})
	c1, _ := newTestClient("u1")

	view := mustJoin(t, room, c1)
	if view.Title != "Release notes" || view.DocID != "D" || view.Language != "en" {
		t.Fatalf("metadata not loaded: %#v", view)
	}
	if view.AccessMode != models.AccessOrgVisible || len(view.Access) != 1 || len(view.Tags) != 1 {
		t.Fatalf("access not loaded: %#v", view)
	}
	if !strings.Contains(string(view.Content), `"hi"`) {
		t.Fatalf("content not loaded: %s", view.Content)
	}
}

func TestRoomJoinTwiceIsRejected(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)

	again := NewClient(nil, c1.Principal)
	if _, err := room.Join(context.Background(), again); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if got := room.Authors(); len(got) != 1 {
		t.Fatalf("expected a single author, got %v", got)
	}
}

func TestRoomCapacityForRestrictedOrganization(t *testing.T) {
	gw := newFakeGateway()
	gw.entitled = false
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	c2, _ := newTestClient("u2")
	c3, _ := newTestClient("u3")

	mustJoin(t, room, c1)
	mustJoin(t, room, c2)
	if _, err := room.Join(context.Background(), c3); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := room.Authors(); len(got) != 2 {
		t.Fatalf("expected 2 authors, got %v", got)
	}
	if org, _ := gw.counts(); org != 1 {
		t.Fatalf("entitlement should be resolved once, got %d calls", org)
	}
}

func TestRoomEntitledOrganizationIsUnlimited(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		c, _ := newTestClient(id)
		mustJoin(t, room, c)
	}
	if got := room.Authors(); len(got) != 5 {
		t.Fatalf("expected 5 authors, got %v", got)
	}
}

func TestRoomConcurrentJoinsShareInitialization(t *testing.T) {
	gw := newFakeGateway()
	gw.orgGate = make(chan struct{})
	room := newTestRoom(gw, models.DocRef{ID: "D"})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range []string{"u1", "u2", "u3"} {
		c, _ := newTestClient(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := room.Join(context.Background(), c)
			errs <- err
		}()
	}
	waitUntil(t, time.Second, func() bool { org, _ := gw.counts(); return org == 1 })
	time.Sleep(20 * time.Millisecond)
	close(gw.orgGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	org, loads := gw.counts()
	if org != 1 || loads != 1 {
		t.Fatalf("expected one entitlement and one load, got %d and %d", org, loads)
	}
}

func TestRoomLoadFailureClosesRoom(t *testing.T) {
	gw := newFakeGateway()
	gw.loadErr = errBoom
	room := newTestRoom(gw, models.DocRef{ID: "D"})
	c1, _ := newTestClient("u1")

	if _, err := room.Join(context.Background(), c1); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
	if !room.Closed() {
		t.Fatalf("room should be closed after a failed load")
	}
	select {
	case <-room.Done():
	default:
		t.Fatalf("failed room should be finished")
	}
	c2, _ := newTestClient("u2")
	if _, err := room.Join(context.Background(), c2); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestRoomEntitlementFailureIsLoadFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.orgErr = errBoom
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	if _, err := room.Join(context.Background(), c1); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
}

func TestRoomJoinAnnouncesToOthers(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, cap1 := newTestClient("u1")
	c2, cap2 := newTestClient("u2")
	mustJoin(t, room, c1)
	mustJoin(t, room, c2)

	joined := cap1.ofType(models.EventAuthorJoined)
	if len(joined) != 1 || joined[0].Data.(models.AuthorEvent).PrincipalID != "u2" {
		t.Fatalf("expected author-joined for u2, got %#v", joined)
	}
	if len(cap2.ofType(models.EventAuthorJoined)) != 0 {
		t.Fatalf("joiner should not be told about itself")
	}

	if remaining, ok := room.Leave(c2); !ok || remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d ok=%v", remaining, ok)
	}
	if left := cap1.ofType(models.EventAuthorLeft); len(left) != 1 {
		t.Fatalf("expected author-left, got %#v", left)
	}
	if _, ok := room.Leave(c2); ok {
		t.Fatalf("second leave should be ignored")
	}
	if remaining, _ := room.Leave(c1); remaining != 0 || !room.Closed() {
		t.Fatalf("room should close once empty")
	}
}

func TestSubmitVersionIsSumOfBatchSizes(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, cap1 := newTestClient("u1")
	c2, cap2 := newTestClient("u2")
	mustJoin(t, room, c1)
	mustJoin(t, room, c2)

	var want int64
	for _, n := range []int{1, 3, 2, 5} {
		accepted, err := room.Submit(models.SubmitSteps{FromVersion: want, Steps: ops(t, n), ClientID: "c1"})
		if err != nil || !accepted {
			t.Fatalf("batch of %d rejected: %v", n, err)
		}
		want += int64(n)
		if got := room.Version(); got != want {
			t.Fatalf("expected version %d, got %d", want, got)
		}
	}
	if !room.Dirty() {
		t.Fatalf("accepted steps should dirty the room")
	}
	for _, capture := range []*frameCapture{cap1, cap2} {
		if got := capture.ofType(models.EventStepsAccepted); len(got) != 4 {
			t.Fatalf("every author should see every outcome, got %d", len(got))
		}
	}
	first := cap2.ofType(models.EventStepsAccepted)[0].Data.(models.StepsAccepted)
	if !first.Accepted || first.Version != 0 || first.ClientID != "c1" {
		t.Fatalf("broadcast should echo the submitted batch: %#v", first)
	}
}

func TestSubmitStaleVersionDoesNotMutate(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, cap1 := newTestClient("u1")
	mustJoin(t, room, c1)
	if _, err := room.Submit(models.SubmitSteps{FromVersion: 0, Steps: ops(t, 2), ClientID: "c1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := room.View()
	beforeLog, _ := room.GetState(0)

	accepted, err := room.Submit(models.SubmitSteps{FromVersion: 1, Steps: ops(t, 1), ClientID: "c1"})
	if accepted || !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected stale rejection, accepted=%v err=%v", accepted, err)
	}
	after := room.View()
	afterLog, _ := room.GetState(0)
	if after.Version != before.Version || string(after.Content) != string(before.Content) || len(afterLog.Steps) != len(beforeLog.Steps) {
		t.Fatalf("stale submit mutated the room")
	}
	outcomes := cap1.ofType(models.EventStepsAccepted)
	if last := outcomes[len(outcomes)-1].Data.(models.StepsAccepted); last.Accepted || last.Version != 1 {
		t.Fatalf("rejection should be broadcast with the submitted version: %#v", last)
	}
}

func TestSubmitFailingStepDiscardsWholeBatch(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	before := room.View()

	batch := `[{"stepType":"insertNode","index":0,"node":{"type":"paragraph"}},{"stepType":"removeNode","path":[42]}]`
	accepted, err := room.Submit(models.SubmitSteps{FromVersion: 0, Steps: []byte(batch), ClientID: "c1"})
	if accepted || !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("expected apply failure, accepted=%v err=%v", accepted, err)
	}
	after := room.View()
	if after.Version != 0 || string(after.Content) != string(before.Content) {
		t.Fatalf("failed batch must leave content untouched")
	}
	if room.Dirty() {
		t.Fatalf("failed batch must not dirty the room")
	}

	if _, err := room.Submit(models.SubmitSteps{FromVersion: 0, Steps: []byte(`[{"stepType":"warp"}]`)}); !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("undecodable steps should be an apply failure, got %v", err)
	}
}

func TestStepLogIsBounded(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)

	total := HistorySize + 50
	for i := 0; i < total; i++ {
		if ok, err := room.Submit(models.SubmitSteps{FromVersion: int64(i), Steps: ops(t, 1), ClientID: "c1"}); !ok {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if room.Version() != int64(total) {
		t.Fatalf("trimming must not change version, got %d", room.Version())
	}
	state, err := room.GetState(0)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.Truncated || len(state.Steps) != HistorySize || len(state.ClientIDs) != HistorySize {
		t.Fatalf("expected truncated history of %d, got %d truncated=%v", HistorySize, len(state.Steps), state.Truncated)
	}
	state, _ = room.GetState(int64(total - 10))
	if state.Truncated || len(state.Steps) != 10 {
		t.Fatalf("expected last 10 steps, got %d truncated=%v", len(state.Steps), state.Truncated)
	}
	state, _ = room.GetState(int64(total + 5))
	if len(state.Steps) != 0 || state.Version != int64(total) {
		t.Fatalf("future version should yield no steps, got %#v", state)
	}
}

func TestGetStateReturnsDecodableSteps(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	if _, err := room.Submit(models.SubmitSteps{FromVersion: 0, Steps: ops(t, 2), ClientID: "c1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := room.SetTitle(c1, "Draft"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	state, _ := room.GetState(1)
	if state.Title != "Draft" || len(state.Steps) != 1 || state.ClientIDs[0] != "c1" {
		t.Fatalf("unexpected state: %#v", state)
	}
	step, err := document.DecodeStep(state.Steps[0])
	if err != nil || step.Kind() != document.KindInsertNode {
		t.Fatalf("step should round-trip, got %v %v", step, err)
	}
}

func TestTagsAreCaseInsensitive(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	c2, cap2 := newTestClient("u2")
	mustJoin(t, room, c1)
	mustJoin(t, room, c2)

	if added, err := room.AddTag(c1, "Go"); !added || err != nil {
		t.Fatalf("expected tag added, got %v %v", added, err)
	}
	if added, _ := room.AddTag(c1, "GO"); added {
		t.Fatalf("duplicate tag differing in case should be a no-op")
	}
	if got := room.View().Tags; len(got) != 1 || got[0] != "Go" {
		t.Fatalf("unexpected tags %v", got)
	}
	if removed, _ := room.RemoveTag(c1, "go"); !removed {
		t.Fatalf("expected case-insensitive removal")
	}
	if got := room.View().Tags; len(got) != 0 {
		t.Fatalf("expected no tags, got %v", got)
	}
	if removed, _ := room.RemoveTag(c1, "go"); removed {
		t.Fatalf("removing a missing tag should be a no-op")
	}
	if _, err := room.AddTag(c1, "  "); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for blank tag, got %v", err)
	}
	if got := cap2.ofType(models.EventTagAdded); len(got) != 1 {
		t.Fatalf("expected one tag-added broadcast, got %d", len(got))
	}
	if got := cap2.ofType(models.EventTagRemoved); len(got) != 1 {
		t.Fatalf("expected one tag-removed broadcast, got %d", len(got))
	}
}

func TestMutatorsDirtyAndSkipSender(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, cap1 := newTestClient("u1")
	c2, cap2 := newTestClient("u2")
	mustJoin(t, room, c1)
	mustJoin(t, room, c2)

	mutations := []struct {
		event string
		run   func() error
	}{
		{models.EventTitleChanged, func() error { return room.SetTitle(c1, "Hello") }},
		{models.EventLanguageChanged, func() error { return room.SetLanguage(c1, "de") }},
		{models.EventDirectionChanged, func() error { return room.SetDirection(c1, true) }},
		{models.EventClientVisibilityChanged, func() error { return room.SetClientVisibility(c1, true) }},
		{models.EventAccessModeChanged, func() error { return room.SetAccessMode(c1, models.AccessOpenRead) }},
		{models.EventAccessSet, func() error { return room.SetAccess(c1, models.AccessEntry{GroupID: "g1"}) }},
	}
	for _, m := range mutations {
		room.DiscardChanges()
		if err := m.run(); err != nil {
			t.Fatalf("%s: %v", m.event, err)
		}
		if !room.Dirty() {
			t.Fatalf("%s should dirty the room", m.event)
		}
		if len(cap2.ofType(m.event)) != 1 {
			t.Fatalf("%s should reach other authors", m.event)
		}
		if len(cap1.ofType(m.event)) != 0 {
			t.Fatalf("%s should not echo to the sender", m.event)
		}
	}
	view := room.View()
	if view.Title != "Hello" || view.Language != "de" || !view.RTL || !view.ClientVisible || view.AccessMode != models.AccessOpenRead {
		t.Fatalf("mutations not reflected in view: %#v", view)
	}
}

func TestAccessEntriesLastWriteWins(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)

	_ = room.SetAccess(c1, models.AccessEntry{UserID: "u7", Write: true})
	_ = room.SetAccess(c1, models.AccessEntry{GroupID: "u7"})
	_ = room.SetAccess(c1, models.AccessEntry{UserID: "u7", Write: false})
	access := room.View().Access
	if len(access) != 2 || access[0].Write {
		t.Fatalf("expected user entry updated in place, got %#v", access)
	}
	if removed, _ := room.RemoveAccess(c1, models.AccessEntry{GroupID: "u7"}); !removed {
		t.Fatalf("expected group entry removed")
	}
	if removed, _ := room.RemoveAccess(c1, models.AccessEntry{GroupID: "u7"}); removed {
		t.Fatalf("second removal should be a no-op")
	}
	if err := room.SetAccess(c1, models.AccessEntry{UserID: "a", GroupID: "b"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("entry keyed by both user and group should be rejected, got %v", err)
	}
	if err := room.SetAccessMode(c1, models.AccessMode(9)); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("unknown access mode should be rejected, got %v", err)
	}
}

func TestCursorRelayedToOthers(t *testing.T) {
	room := newTestRoom(newFakeGateway(), models.DocRef{})
	c1, cap1 := newTestClient("u1")
	c2, cap2 := newTestClient("u2")
	mustJoin(t, room, c1)
	mustJoin(t, room, c2)

	room.Cursor(c1, models.Cursor{From: 3, To: 7})
	got := cap2.ofType(models.EventCursorChanged)
	if len(got) != 1 {
		t.Fatalf("expected cursor relayed, got %d", len(got))
	}
	if cur := got[0].Data.(models.Cursor); cur.PrincipalID != "u1" || cur.From != 3 || cur.To != 7 {
		t.Fatalf("unexpected cursor %#v", cur)
	}
	if len(cap1.ofType(models.EventCursorChanged)) != 0 || room.Dirty() {
		t.Fatalf("cursor should not echo nor dirty the room")
	}
}

func TestSaveSkipsCleanAutosave(t *testing.T) {
	gw := newFakeGateway()
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)

	if saved, err := room.Save(context.Background(), c1.Principal, SaveOptions{}); saved || err != nil {
		t.Fatalf("clean autosave should be skipped, got %v %v", saved, err)
	}
	if saved, _ := room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true, Draft: true}); saved {
		t.Fatalf("clean explicit draft should be skipped")
	}
	if saved, err := room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true, Message: "v1"}); !saved || err != nil {
		t.Fatalf("explicit save should always run, got %v %v", saved, err)
	}
	calls := gw.saveCalls()
	if len(calls) != 1 || calls[0].payload.Message != "v1" || calls[0].payload.WIP {
		t.Fatalf("unexpected save calls %#v", calls)
	}
}

func TestSaveAdoptsAssignedIDAndClearsDirty(t *testing.T) {
	gw := newFakeGateway()
	gw.saveID = "new-42"
	room := newTestRoom(gw, models.DocRef{})
	c1, cap1 := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "Title")

	if _, err := room.Save(context.Background(), c1.Principal, SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if room.Dirty() {
		t.Fatalf("successful save should clear dirty")
	}
	if room.Ref().ID != "new-42" {
		t.Fatalf("expected adopted id, got %q", room.Ref().ID)
	}
	acks := cap1.ofType(models.EventSaveAck)
	if len(acks) != 1 || acks[0].Data.(models.SaveAck).ID != "new-42" {
		t.Fatalf("expected save-ack carrying the id, got %#v", acks)
	}
}

func TestSaveFailureKeepsDirty(t *testing.T) {
	gw := newFakeGateway()
	gw.saveErr = errBoom
	room := newTestRoom(gw, models.DocRef{})
	c1, cap1 := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "Title")

	saved, err := room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true})
	if !saved || !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v %v", saved, err)
	}
	if !room.Dirty() {
		t.Fatalf("failed save must leave the room dirty")
	}
	if len(cap1.ofType(models.EventSaveFailed)) != 1 {
		t.Fatalf("expected save-failed broadcast")
	}
}

func TestAutosavePayloadDefaults(t *testing.T) {
	gw := newFakeGateway()
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetAccessMode(c1, models.AccessOpenWrite)

	if _, err := room.Save(context.Background(), c1.Principal, SaveOptions{Message: "ignored"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	p := gw.saveCalls()[0].payload
	if p.Title != DefaultTitle || p.AccessMode != models.AccessPrivate || p.Message != AutosaveMessage || !p.WIP {
		t.Fatalf("autosave defaults not applied: %#v", p)
	}
	if len(p.Contributors) != 1 || p.Contributors[0] != "u1" {
		t.Fatalf("unexpected contributors %v", p.Contributors)
	}

	_ = room.SetTitle(c1, strings.Repeat("é", 150))
	_, _ = room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true})
	p = gw.saveCalls()[1].payload
	if n := len([]rune(p.Title)); n != 100 {
		t.Fatalf("title should be cut to 100 characters, got %d", n)
	}
	if p.AccessMode != models.AccessOpenWrite {
		t.Fatalf("explicit save keeps the chosen mode, got %d", p.AccessMode)
	}
}

func TestDraftSkippedWhileExplicitSavePending(t *testing.T) {
	gw := newFakeGateway()
	gw.saveGate = make(chan struct{})
	gw.saveStart = make(chan struct{}, 4)
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "T")

	done := make(chan error, 1)
	go func() {
		_, err := room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true, Message: "release"})
		done <- err
	}()
	<-gw.saveStart

	if saved, _ := room.Save(context.Background(), c1.Principal, SaveOptions{}); saved {
		t.Fatalf("draft save must not run while an explicit save is in flight")
	}
	_ = room.SetTitle(c1, "T2")
	close(gw.saveGate)
	if err := <-done; err != nil {
		t.Fatalf("explicit save: %v", err)
	}
	if !room.Dirty() {
		t.Fatalf("edits made during a save must keep the room dirty")
	}
	if len(gw.saveCalls()) != 1 {
		t.Fatalf("expected a single save call, got %d", len(gw.saveCalls()))
	}
}

func TestExplicitSaveWaitsForInflightAutosave(t *testing.T) {
	gw := newFakeGateway()
	gw.saveID = "article-3"
	gw.saveGate = make(chan struct{})
	gw.saveStart = make(chan struct{}, 4)
	room := newTestRoom(gw, models.DocRef{})
	c1, cap1 := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "T")

	autosave := make(chan error, 1)
	go func() {
		_, err := room.Save(context.Background(), c1.Principal, SaveOptions{})
		autosave <- err
	}()
	<-gw.saveStart

	explicit := make(chan error, 1)
	go func() {
		_, err := room.Save(context.Background(), c1.Principal, SaveOptions{Explicit: true, Message: "publish"})
		explicit <- err
	}()
	waitUntil(t, time.Second, room.explicitSavePending)
	close(gw.saveGate)

	if err := <-autosave; err != nil {
		t.Fatalf("autosave: %v", err)
	}
	if err := <-explicit; err != nil {
		t.Fatalf("explicit save: %v", err)
	}
	saves := gw.saveCalls()
	if len(saves) != 2 {
		t.Fatalf("expected 2 saves, got %d", len(saves))
	}
	if saves[0].payload.ID != "" || saves[1].payload.ID != "article-3" {
		t.Fatalf("second save must reuse the created id, got %q then %q", saves[0].payload.ID, saves[1].payload.ID)
	}
	if room.Ref().ID != "article-3" {
		t.Fatalf("expected adopted id, got %q", room.Ref().ID)
	}
	if acks := cap1.ofType(models.EventSaveAck); len(acks) != 2 {
		t.Fatalf("expected 2 save-acks, got %d", len(acks))
	}
}

func TestSaveStopsWaitingWhenContextEnds(t *testing.T) {
	gw := newFakeGateway()
	gw.saveGate = make(chan struct{})
	gw.saveStart = make(chan struct{}, 4)
	defer close(gw.saveGate)
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "T")

	go func() { _, _ = room.Save(context.Background(), c1.Principal, SaveOptions{}) }()
	<-gw.saveStart

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	saved, err := room.Save(ctx, c1.Principal, SaveOptions{Final: true})
	if saved || !errors.Is(err, ErrPersistence) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a timed-out wait, got %v %v", saved, err)
	}
	if len(gw.saveCalls()) != 1 {
		t.Fatalf("the waiting save must not reach the backend")
	}
}

func TestDiscardChangesSkipsClosingSave(t *testing.T) {
	gw := newFakeGateway()
	room := newTestRoom(gw, models.DocRef{})
	c1, _ := newTestClient("u1")
	mustJoin(t, room, c1)
	_ = room.SetTitle(c1, "T")
	room.DiscardChanges()
	if saved, _ := room.Save(context.Background(), c1.Principal, SaveOptions{}); saved {
		t.Fatalf("discarded changes should not be saved")
	}
}
