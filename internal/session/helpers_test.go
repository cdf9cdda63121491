package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabdoc/internal/document"
	"collabdoc/internal/models"
	"collabdoc/internal/utils"
)

type saveCall struct {
	principal models.Principal
	payload   models.SavePayload
}

type fakeGateway struct {
	mu        sync.Mutex
	entitled  bool
	orgErr    error
	loadErr   error
	saveErr   error
	snapshot  *models.Snapshot
	saveID    string
	orgGate   chan struct{}
	saveGate  chan struct{}
	saveStart chan struct{}
	orgCalls  int
	loadCalls int
	saves     []saveCall
}

func newFakeGateway() *fakeGateway { return &fakeGateway{entitled: true} }

func (g *fakeGateway) Organization(ctx context.Context, _ models.Principal) (models.Entitlement, error) {
	g.mu.Lock()
	g.orgCalls++
	gate := g.orgGate
	err := g.orgErr
	entitled := g.entitled
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Entitlement{}, ctx.Err()
		}
	}
	return models.Entitlement{Entitled: entitled}, err
}

func (g *fakeGateway) LoadArticle(_ context.Context, _ models.Principal, ref models.DocRef) (*models.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadCalls++
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	if g.snapshot != nil {
		snap := *g.snapshot
		return &snap, nil
	}
	return &models.Snapshot{ID: ref.ID, Lang: ref.Lang}, nil
}

func (g *fakeGateway) SaveArticle(_ context.Context, p models.Principal, payload models.SavePayload) (models.SaveResult, error) {
	g.mu.Lock()
	g.saves = append(g.saves, saveCall{principal: p, payload: payload})
	gate, started := g.saveGate, g.saveStart
	err, id := g.saveErr, g.saveID
	g.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return models.SaveResult{}, err
	}
	if payload.ID != "" {
		id = payload.ID
	}
	return models.SaveResult{ID: id}, nil
}

func (g *fakeGateway) saveCalls() []saveCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]saveCall(nil), g.saves...)
}

func (g *fakeGateway) counts() (org, load int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orgCalls, g.loadCalls
}

type frameCapture struct {
	mu     sync.Mutex
	frames []models.WSFrame
}

func (c *frameCapture) hook(frame models.WSFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *frameCapture) list() []models.WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.WSFrame(nil), c.frames...)
}

func (c *frameCapture) ofType(typ string) []models.WSFrame {
	var out []models.WSFrame
	for _, f := range c.list() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func nopLogger() *utils.Logger { return utils.NewLoggerFromZap(zap.NewNop()) }

func newTestClient(id string) (*Client, *frameCapture) {
	c := NewClient(nil, models.Principal{ID: id, Organization: "acme", Token: "tok-" + id})
	capture := &frameCapture{}
	c.SetSendHook(capture.hook)
	return c, capture
}

func newTestRoom(gw Gateway, ref models.DocRef) *Room {
	return NewRoom("acme-1", "acme", ref, gw, nopLogger())
}

// ops encodes n paragraph insertions, each valid against any tree.
func ops(t *testing.T, n int) json.RawMessage {
	t.Helper()
	steps := make([]document.Step, n)
	for i := range steps {
		steps[i] = document.InsertNode{Index: 0, Node: &document.Node{Type: document.TypeParagraph}}
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("encode ops: %v", err)
	}
	return raw
}

func mustJoin(t *testing.T, r *Room, c *Client) models.SessionView {
	t.Helper()
	view, err := r.Join(context.Background(), c)
	if err != nil {
		t.Fatalf("join %s: %v", c.Principal.ID, err)
	}
	return view
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var errBoom = errors.New("boom")
