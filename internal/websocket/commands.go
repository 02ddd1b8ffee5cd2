package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"studysync-backend/internal/handlers"
	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/services"
)

// Client → server command types.
const (
	CmdRegister        = "register"
	CmdHeartbeat       = "heartbeat"
	CmdSetStatus       = "set_status"
	CmdSetActivity     = "set_activity"
	CmdDeregister      = "deregister"
	CmdJoinRoom        = "join_room"
	CmdLeaveRoom       = "leave_room"
	CmdUpdateTimer     = "update_timer"
	CmdUpdateNotepad   = "update_notepad"
	CmdClaimNotepad    = "claim_notepad"
	CmdSetTyping       = "set_typing"
	CmdSendChat        = "send_chat"
	CmdReact           = "react"
	CmdWatchPresence   = "watch_presence"
	CmdSubscribeRoom   = "subscribe_room"
	CmdUnsubscribeRoom = "unsubscribe_room"
)

// Server → client frame types.
const (
	replyAck         = "ack"
	replyError       = "error"
	pushEvent        = "event"
	pushChatWindow   = "chat_window"
	pushPresenceList = "presence_snapshot"
)

const commandTimeout = 10 * time.Second

var errUnknownCommand = errors.New("unknown command")

// commandPayload is the union of every command's fields.
type commandPayload struct {
	RoomID     string  `json:"room_id"`
	NotepadID  string  `json:"notepad_id"`
	MessageID  string  `json:"message_id"`
	Username   string  `json:"username"`
	StatusText string  `json:"status_text"`
	Passcode   string  `json:"passcode"`
	Content    string  `json:"content"`
	Text       string  `json:"text"`
	ImageURL   *string `json:"image_url"`
	Emoji      string  `json:"emoji"`
	IsTyping   bool    `json:"is_typing"`
	ChatLimit  int     `json:"chat_limit"`

	services.TimerInput
}

type ChatWindow struct {
	RoomID   string               `json:"room_id"`
	Messages []models.ChatMessage `json:"messages"`
}

func (c *Client) handle(msg models.WSMessage) {
	if c.hub.limiter != nil && !c.hub.limiter.Allow(c.identity.Username) {
		c.replyErr(msg, &services.RateLimitError{Message: "Too many commands, slow down"})
		c.count(msg.Type, false)
		return
	}

	var p commandPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.replyErr(msg, &services.ValidationError{Fields: map[string]string{"payload": "Invalid payload"}})
			c.count(msg.Type, false)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := c.dispatch(ctx, msg.Type, p, msg.Payload)
	c.count(msg.Type, err == nil)
	if err != nil {
		c.replyErr(msg, err)
		return
	}
	c.reply(models.WSReply{Type: replyAck, RequestID: msg.RequestID, Payload: result})
}

func (c *Client) dispatch(ctx context.Context, cmd string, p commandPayload, raw json.RawMessage) (interface{}, error) {
	svc := c.hub.svc
	username := c.identity.Username

	switch cmd {
	case CmdRegister:
		return svc.Presence.Register(ctx, username, p.StatusText)

	case CmdHeartbeat:
		return nil, svc.Presence.Heartbeat(ctx, username)

	case CmdSetStatus:
		target := p.Username
		if target == "" {
			target = username
		}
		applied, err := svc.Presence.SetStatus(ctx, username, target, p.StatusText)
		return map[string]bool{"applied": applied}, err

	case CmdSetActivity:
		target := p.Username
		if target == "" {
			target = username
		}
		var patch models.PresencePatch
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &patch); err != nil {
				return nil, &services.ValidationError{Fields: map[string]string{"payload": "Invalid payload"}}
			}
		}
		applied, err := svc.Presence.SetActivity(ctx, username, target, patch)
		return map[string]bool{"applied": applied}, err

	case CmdDeregister:
		c.untrack(presenceKey)
		return nil, svc.Presence.Deregister(ctx, username)

	case CmdJoinRoom:
		return svc.Rooms.JoinRoom(ctx, p.RoomID, username, p.Passcode)

	case CmdLeaveRoom:
		c.untrack(roomKey(p.RoomID), chatKey(p.RoomID))
		return nil, svc.Rooms.LeaveRoom(ctx, p.RoomID, username)

	case CmdUpdateTimer:
		return svc.State.UpdateTimer(ctx, p.RoomID, username, p.TimerInput)

	case CmdUpdateNotepad:
		return svc.State.UpdateNotepad(ctx, p.RoomID, p.NotepadID, username, p.Content)

	case CmdClaimNotepad:
		return svc.State.ClaimNotepad(ctx, p.RoomID, p.NotepadID, username)

	case CmdSetTyping:
		return nil, svc.State.SetTyping(ctx, p.RoomID, username, p.IsTyping)

	case CmdSendChat:
		return svc.Chat.Send(ctx, p.RoomID, username, p.Text, p.ImageURL)

	case CmdReact:
		return svc.Chat.React(ctx, p.RoomID, p.MessageID, p.Emoji, username)

	case CmdWatchPresence:
		sub := svc.Presence.Watch(func(list models.PresenceList) {
			c.reply(models.WSReply{Type: pushPresenceList, Payload: list})
		})
		c.track(presenceKey, sub)
		return nil, nil

	case CmdSubscribeRoom:
		return nil, c.subscribeRoom(ctx, p.RoomID, p.ChatLimit)

	case CmdUnsubscribeRoom:
		c.untrack(roomKey(p.RoomID), chatKey(p.RoomID))
		return nil, nil
	}

	return nil, errUnknownCommand
}

// subscribeRoom opens the state and chat streams of a room the caller has
// joined. Resubscribing replaces the previous streams.
func (c *Client) subscribeRoom(ctx context.Context, roomID string, chatLimit int) error {
	svc := c.hub.svc
	ok, err := svc.Rooms.IsParticipant(ctx, roomID, c.identity.Username)
	if err != nil {
		return err
	}
	if !ok {
		return &services.ForbiddenError{Message: "Join the room first"}
	}

	stateSub, err := svc.State.Subscribe(ctx, roomID, func(ev models.Event) {
		c.reply(models.WSReply{Type: pushEvent, Payload: ev})
		switch ev.Type {
		case models.EventRoomDeleted:
			go c.untrack(roomKey(roomID), chatKey(roomID))
		case models.EventParticipantLeft:
			var change models.ParticipantChange
			if json.Unmarshal(ev.Payload, &change) == nil && change.Username == c.identity.Username {
				go c.dropIfLeft(roomID)
			}
		}
	})
	if err != nil {
		return err
	}

	chatSub, err := svc.Chat.SubscribeRecent(ctx, roomID, chatLimit, func(msgs []models.ChatMessage) {
		c.reply(models.WSReply{Type: pushChatWindow, Payload: ChatWindow{RoomID: roomID, Messages: msgs}})
	})
	if err != nil {
		stateSub.Cancel()
		return err
	}

	c.track(roomKey(roomID), stateSub)
	c.track(chatKey(roomID), chatSub)
	return nil
}

// dropIfLeft closes the room streams once the connection's user is no
// longer a participant. A rejoin that raced the leave keeps them open.
func (c *Client) dropIfLeft(roomID string) {
	held := c.tracked(roomKey(roomID), chatKey(roomID))

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	ok, err := c.hub.svc.Rooms.IsParticipant(ctx, roomID, c.identity.Username)
	if err != nil || ok {
		return
	}
	c.untrackIf(held)
}

func (c *Client) replyErr(msg models.WSMessage, err error) {
	apiErr := &models.APIError{RequestID: msg.RequestID}

	if errors.Is(err, errUnknownCommand) {
		apiErr.Code = "UNKNOWN_COMMAND"
		apiErr.Message = "Unknown command type " + msg.Type
		c.reply(models.WSReply{Type: replyError, RequestID: msg.RequestID, Error: apiErr})
		return
	}

	status, code := handlers.StatusFor(err)
	apiErr.Code = code
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		apiErr.Message = "Validation failed"
		apiErr.Fields = validation.Fields
	case status >= http.StatusInternalServerError:
		log.Printf("WebSocket %s by %s: %v", msg.Type, c.identity.Username, err)
		apiErr.Message = "Service temporarily unavailable, please retry"
	default:
		apiErr.Message = err.Error()
	}
	c.reply(models.WSReply{Type: replyError, RequestID: msg.RequestID, Error: apiErr})
}

func (c *Client) count(cmd string, ok bool) {
	if c.hub.metrics != nil {
		c.hub.metrics.WSCommand(cmd, ok)
	}
}

const presenceKey = pubsub.TopicPresence

func roomKey(roomID string) string {
	return pubsub.RoomTopic(roomID)
}

func chatKey(roomID string) string {
	return "chat:" + roomID
}
