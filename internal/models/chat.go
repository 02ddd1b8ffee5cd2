package models

import (
	"sort"
	"time"
)

type ChatMessage struct {
	ID        string              `json:"id"`
	Seq       int64               `json:"seq"`
	RoomID    string              `json:"room_id"`
	Author    string              `json:"author"`
	Text      string              `json:"text"`
	ImageURL  *string             `json:"image_url,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Reactions map[string][]string `json:"reactions"`
}

// SortMessages orders messages by their per-room sequence.
func SortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Seq < msgs[j].Seq
	})
}

// ToggleReaction adds username to reactions[emoji] or removes it when already
// present. Empty emoji sets are dropped.
func ToggleReaction(reactions map[string][]string, emoji, username string) map[string][]string {
	if reactions == nil {
		reactions = make(map[string][]string)
	}
	users := reactions[emoji]
	for i, u := range users {
		if u == username {
			users = append(users[:i:i], users[i+1:]...)
			if len(users) == 0 {
				delete(reactions, emoji)
			} else {
				reactions[emoji] = users
			}
			return reactions
		}
	}
	reactions[emoji] = append(users, username)
	sort.Strings(reactions[emoji])
	return reactions
}

// BackupRecord is the secondary durable copy of a chat message.
type BackupRecord struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
