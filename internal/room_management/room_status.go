package room_management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabdoc/internal/models"
	"collabdoc/internal/utils"
)

const (
	// Channel carries room lifecycle events for every collab instance.
	Channel   = "collab:rooms"
	keyPrefix = "collab:room:"
	statusTTL = 24 * time.Hour
	queueSize = 256

	publishTimeout = 5 * time.Second
)

var ErrRoomNotFound = errors.New("room not found")

// RoomEvent is the payload published on Channel.
type RoomEvent struct {
	Instance string            `json:"instance"`
	Room     models.RoomStatus `json:"room"`
	Error    string            `json:"error,omitempty"`
}

// RoomManager mirrors live room status into Redis and announces lifecycle
// changes. It implements session.Observer; Redis writes happen on the Run
// goroutine so notifications never block a room.
type RoomManager struct {
	rdb      *redis.Client
	log      *utils.Logger
	instance string

	events chan RoomEvent

	mu       sync.RWMutex
	statuses map[string]models.RoomStatus
}

func NewRoomManager(redisAddr string, log *utils.Logger) *RoomManager {
	return NewRoomManagerWithClient(redis.NewClient(&redis.Options{Addr: redisAddr}), log)
}

func NewRoomManagerWithClient(rdb *redis.Client, log *utils.Logger) *RoomManager {
	return &RoomManager{
		rdb:      rdb,
		log:      log,
		instance: uuid.NewString(),
		events:   make(chan RoomEvent, queueSize),
		statuses: make(map[string]models.RoomStatus),
	}
}

// Instance identifies this process in published events.
func (rm *RoomManager) Instance() string { return rm.instance }

func (rm *RoomManager) RoomOpened(st models.RoomStatus) { rm.enqueue(st, nil) }
func (rm *RoomManager) RoomClosed(st models.RoomStatus) { rm.enqueue(st, nil) }

func (rm *RoomManager) RoomSaved(st models.RoomStatus, err error) { rm.enqueue(st, err) }

// StepsSubmitted is ignored; step traffic is too chatty to mirror.
func (rm *RoomManager) StepsSubmitted(string, int, bool) {}

func (rm *RoomManager) enqueue(st models.RoomStatus, err error) {
	rm.mu.Lock()
	switch st.Status {
	case "closed":
		delete(rm.statuses, st.RoomID)
	case "saved":
		// A save can finish after its room closed; do not resurrect it.
		if _, open := rm.statuses[st.RoomID]; !open {
			rm.mu.Unlock()
			rm.log.Debug("dropping save status for closed room", "room", st.RoomID)
			return
		}
		rm.statuses[st.RoomID] = st
	default:
		rm.statuses[st.RoomID] = st
	}
	rm.mu.Unlock()

	ev := RoomEvent{Instance: rm.instance, Room: st}
	if err != nil {
		ev.Error = err.Error()
	}
	select {
	case rm.events <- ev:
	default:
		rm.log.Warn("room status queue full, dropping event", "room", st.RoomID, "status", st.Status)
	}
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// already queued.
func (rm *RoomManager) Run(ctx context.Context) {
	for {
		select {
		case ev := <-rm.events:
			rm.publish(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-rm.events:
					rm.publish(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (rm *RoomManager) publish(ctx context.Context, ev RoomEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	st := ev.Room
	roomKey := keyPrefix + st.RoomID

	if st.Status == "closed" {
		if err := rm.rdb.Del(ctx, roomKey).Err(); err != nil {
			rm.log.Warn("failed to delete room status", "room", st.RoomID, "error", err)
		}
	} else {
		fields := map[string]interface{}{
			"roomId":       st.RoomID,
			"organization": st.Organization,
			"docId":        st.DocID,
			"lang":         st.Lang,
			"authors":      st.Authors,
			"version":      st.Version,
			"status":       st.Status,
			"updatedAt":    st.UpdatedAt.Format(time.RFC3339Nano),
			"instance":     rm.instance,
		}
		if err := rm.rdb.HSet(ctx, roomKey, fields).Err(); err != nil {
			rm.log.Warn("failed to store room status", "room", st.RoomID, "error", err)
			return
		}
		// Set expiration for room data (24 hours)
		rm.rdb.Expire(ctx, roomKey, statusTTL)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		rm.log.Error("failed to marshal room event", "room", st.RoomID, "error", err)
		return
	}
	if err := rm.rdb.Publish(ctx, Channel, string(data)).Err(); err != nil {
		rm.log.Warn("failed to publish room event", "room", st.RoomID, "error", err)
	}
}

// GetRoomStatus returns the status of a live room, checking this instance
// first and Redis second.
func (rm *RoomManager) GetRoomStatus(ctx context.Context, roomID string) (models.RoomStatus, error) {
	rm.mu.RLock()
	st, ok := rm.statuses[roomID]
	rm.mu.RUnlock()
	if ok {
		return st, nil
	}

	result := rm.rdb.HGetAll(ctx, keyPrefix+roomID)
	if result.Err() != nil {
		return models.RoomStatus{}, fmt.Errorf("failed to get room from Redis: %w", result.Err())
	}
	roomMap := result.Val()
	if len(roomMap) == 0 {
		return models.RoomStatus{}, ErrRoomNotFound
	}

	st = models.RoomStatus{
		RoomID:       roomMap["roomId"],
		Organization: roomMap["organization"],
		DocID:        roomMap["docId"],
		Lang:         roomMap["lang"],
		Status:       roomMap["status"],
	}
	st.Authors, _ = strconv.Atoi(roomMap["authors"])
	st.Version, _ = strconv.ParseInt(roomMap["version"], 10, 64)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, roomMap["updatedAt"])
	return st, nil
}

// Subscribe delivers events published by other instances until ctx is
// cancelled.
func (rm *RoomManager) Subscribe(ctx context.Context, fn func(RoomEvent)) error {
	subscriber := rm.rdb.Subscribe(ctx, Channel)
	defer subscriber.Close()
	// Wait for confirmation so callers can publish right after Subscribe starts.
	if _, err := subscriber.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	ch := subscriber.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				rm.log.Warn("failed to parse room event", "error", err)
				continue
			}
			if ev.Instance == rm.instance {
				continue
			}
			fn(ev)
		}
	}
}

func (rm *RoomManager) Close() error { return rm.rdb.Close() }
