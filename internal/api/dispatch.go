package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabdoc/internal/models"
	"collabdoc/internal/session"
)

// errCloseConnection asks the read loop to drop the client after any queued
// frames have been flushed.
var errCloseConnection = errors.New("connection closed by server")

type commandHandler func(ctx context.Context, c *session.Client, data json.RawMessage) error

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", session.ErrBadRequest, err)
	}
	return v, nil
}

// roomCommand adapts a handler that needs the client's open room.
func roomCommand[T any](fn func(r *session.Room, c *session.Client, v T) error) commandHandler {
	return func(_ context.Context, c *session.Client, data json.RawMessage) error {
		r := c.Room()
		if r == nil {
			return session.ErrNotJoined
		}
		if c.Principal.ReadOnly {
			return session.ErrUnauthorized
		}
		v, err := decode[T](data)
		if err != nil {
			return err
		}
		return fn(r, c, v)
	}
}

func (h *Handlers) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		models.EventOpenDocument:  h.openDocument,
		models.EventCloseDocument: h.closeDocument,
		models.EventSubmitSteps:   h.submitSteps,
		models.EventGetState:      h.getState,
		models.EventSave:          h.save,
		models.EventLeaveWithoutSaving: roomCommand(func(r *session.Room, _ *session.Client, _ struct{}) error {
			r.DiscardChanges()
			return nil
		}),
		models.EventSetTitle: roomCommand(func(r *session.Room, c *session.Client, v models.TitleChange) error {
			return r.SetTitle(c, v.Title)
		}),
		models.EventAddTag: roomCommand(func(r *session.Room, c *session.Client, v models.TagChange) error {
			_, err := r.AddTag(c, v.Tag)
			return err
		}),
		models.EventRemoveTag: roomCommand(func(r *session.Room, c *session.Client, v models.TagChange) error {
			_, err := r.RemoveTag(c, v.Tag)
			return err
		}),
		models.EventSetLanguage: roomCommand(func(r *session.Room, c *session.Client, v models.LanguageChange) error {
			return r.SetLanguage(c, v.Lang)
		}),
		models.EventSetAccess: roomCommand(func(r *session.Room, c *session.Client, v models.AccessEntry) error {
			return r.SetAccess(c, v)
		}),
		models.EventRemoveAccess: roomCommand(func(r *session.Room, c *session.Client, v models.AccessEntry) error {
			_, err := r.RemoveAccess(c, v)
			return err
		}),
		models.EventSetAccessMode: roomCommand(func(r *session.Room, c *session.Client, v models.AccessModeChange) error {
			return r.SetAccessMode(c, v.Mode)
		}),
		models.EventSetClientVisibility: roomCommand(func(r *session.Room, c *session.Client, v models.ClientVisibilityChange) error {
			return r.SetClientVisibility(c, v.Visible)
		}),
		models.EventSetDirection: roomCommand(func(r *session.Room, c *session.Client, v models.DirectionChange) error {
			return r.SetDirection(c, v.RTL)
		}),
		models.EventCursorUpdate: roomCommand(func(r *session.Room, c *session.Client, v models.Cursor) error {
			r.Cursor(c, v)
			return nil
		}),
	}
}

// dispatch runs one client event. Recoverable protocol failures are reported
// to the client; any other failure, panics included, is returned so the
// caller closes the connection.
func (h *Handlers) dispatch(ctx context.Context, c *session.Client, frame models.InboundFrame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling %s: %v", frame.Type, rec)
		}
	}()
	handle, ok := h.commands[frame.Type]
	if !ok {
		c.Send(errFrame("unknown_type", frame.Type))
		return nil
	}
	return h.report(c, frame.Type, handle(ctx, c, frame.Data))
}

func (h *Handlers) report(c *session.Client, event string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCloseConnection):
		return err
	case errors.Is(err, session.ErrStaleVersion), errors.Is(err, session.ErrApplyFailed), errors.Is(err, session.ErrPersistence):
		// already broadcast as a steps or save outcome
		return nil
	case errors.Is(err, session.ErrBadRequest):
		c.Send(errFrame("bad_request", err.Error()))
		return nil
	case errors.Is(err, session.ErrNotJoined):
		c.Send(errFrame("not_joined", event))
		return nil
	case errors.Is(err, session.ErrUnauthorized):
		c.Send(errFrame("unauthorized", event))
		return nil
	case errors.Is(err, session.ErrRoomClosed):
		c.Send(errFrame("room_closed", event))
		return nil
	default:
		return err
	}
}

func refused(reason string) models.WSFrame {
	return models.WSFrame{Type: models.EventConnectionRefused, Data: models.ConnectionRefused{Reason: reason}}
}

func (h *Handlers) openDocument(ctx context.Context, c *session.Client, data json.RawMessage) error {
	req, err := decode[models.OpenDocument](data)
	if err != nil {
		return err
	}
	room, view, err := h.manager.Open(ctx, c, req)
	switch {
	case err == nil:
		c.Send(models.WSFrame{Type: models.EventJoined, Data: view})
		h.log.Debug("document opened", "room", room.ID, "principal", c.Principal.ID)
		return nil
	case errors.Is(err, session.ErrAlreadyJoined):
		c.Send(refused(models.RefusedJoinConflict))
		return nil
	case errors.Is(err, session.ErrCapacityExceeded):
		c.Send(refused(models.RefusedCapacity))
		return nil
	case errors.Is(err, session.ErrRoomNotFound):
		h.log.Warn("open of foreign room refused", "principal", c.Principal.ID, "organization", c.Principal.Organization, "room", req.RoomID)
		c.Send(refused(models.RefusedNotFound))
		return nil
	case errors.Is(err, session.ErrUnauthorized):
		c.Send(refused(models.RefusedUnauthorized))
		return fmt.Errorf("%w: %w", errCloseConnection, err)
	case errors.Is(err, session.ErrLoadFailed):
		c.Send(refused(models.RefusedNotFound))
		return fmt.Errorf("%w: %w", errCloseConnection, err)
	default:
		return err
	}
}

func (h *Handlers) closeDocument(ctx context.Context, c *session.Client, _ json.RawMessage) error {
	if c.Room() == nil {
		return session.ErrNotJoined
	}
	if err := h.manager.Close(ctx, c); err != nil {
		h.log.Warn("close document", "principal", c.Principal.ID, "error", err)
	}
	return nil
}

func (h *Handlers) submitSteps(_ context.Context, c *session.Client, data json.RawMessage) error {
	req, err := decode[models.SubmitSteps](data)
	if err != nil {
		return err
	}
	_, err = h.manager.Submit(c, req)
	return err
}

func (h *Handlers) getState(_ context.Context, c *session.Client, data json.RawMessage) error {
	r := c.Room()
	if r == nil {
		return session.ErrNotJoined
	}
	req, err := decode[models.GetState](data)
	if err != nil {
		return err
	}
	state, err := r.GetState(req.SinceVersion)
	if err != nil {
		return err
	}
	c.Send(models.WSFrame{Type: models.EventStateSnapshot, Data: state})
	return nil
}

func (h *Handlers) save(ctx context.Context, c *session.Client, data json.RawMessage) error {
	req, err := decode[models.SaveRequest](data)
	if err != nil {
		return err
	}
	return h.manager.Save(ctx, c, req)
}
