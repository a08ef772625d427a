package model

import (
	"sort"
	"time"
)

// Conversation is a maximal group of messages linked by reply chains and/or
// temporal proximity. Messages are kept in timestamp order; StartTime and
// EndTime are the min/max member timestamps.
type Conversation struct {
	Messages     []*Message `json:"messages"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Participants []string   `json:"participants"`
}

// NewConversation creates a conversation from time-ordered messages and
// derives the time bounds and participant set.
func NewConversation(msgs []*Message) *Conversation {
	c := &Conversation{Messages: msgs}
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if c.StartTime.IsZero() || m.Date.Before(c.StartTime) {
			c.StartTime = m.Date
		}
		if m.Date.After(c.EndTime) {
			c.EndTime = m.Date
		}
		if m.SenderID == "" {
			continue
		}
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			c.Participants = append(c.Participants, m.SenderID)
		}
	}
	sort.Strings(c.Participants)
	return c
}

// MessageIDs returns the IDs of the member messages in order
func (c *Conversation) MessageIDs() []int64 {
	ids := make([]int64, 0, len(c.Messages))
	for _, m := range c.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}
