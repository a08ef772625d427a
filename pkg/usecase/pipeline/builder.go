package pipeline

import (
	"time"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// BuilderConfig controls conversation grouping. GapThreshold is a policy
// choice with no sane universal default, so it is required.
type BuilderConfig struct {
	// GapThreshold is the maximum separation between a message and an open
	// conversation's last message for temporal grouping. Required.
	GapThreshold time.Duration

	// SessionWindow caps how long after a conversation's first message the
	// temporal rule may still attach to it. Beyond the window a new thread
	// starts, while replies keep reaching the old one until it closes.
	// 0 means unlimited.
	SessionWindow time.Duration

	// MaxOpen bounds the number of simultaneously open conversations. The
	// oldest open conversation is force-closed beyond this. 0 means 10000.
	MaxOpen int
}

// Validate rejects a configuration that cannot partition a stream
func (c *BuilderConfig) Validate() error {
	if c.GapThreshold <= 0 {
		return goerr.New("gap threshold must be positive", goerr.V("gap", c.GapThreshold))
	}
	if c.SessionWindow < 0 {
		return goerr.New("session window must not be negative", goerr.V("window", c.SessionWindow))
	}
	if c.MaxOpen < 0 {
		return goerr.New("max open conversations must not be negative", goerr.V("max_open", c.MaxOpen))
	}
	return nil
}

type openConversation struct {
	msgs  []*model.Message
	start time.Time
	end   time.Time
}

// Builder groups a sorted, anonymized message stream into conversations in
// one strictly sequential forward pass. Each decision depends on the evolving
// open-conversation set, so feeding must not be parallelized or reordered.
type Builder struct {
	cfg BuilderConfig

	// open conversations in creation order, plus message id -> owning open
	// conversation for reply resolution
	open     []*openConversation
	index    map[int64]*openConversation
	lastSeen time.Time
	fed      bool
}

// NewBuilder creates a builder with a validated configuration
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxOpen == 0 {
		cfg.MaxOpen = 10000
	}
	return &Builder{
		cfg:   cfg,
		index: map[int64]*openConversation{},
	}, nil
}

// Feed assigns one message and returns the conversations this step closed.
// Messages must arrive in (timestamp, id) order; a timestamp going backwards
// is a sorter defect and aborts with model.ErrOrderingViolation.
func (b *Builder) Feed(msg *model.Message) ([]*model.Conversation, error) {
	if b.fed && msg.Date.Before(b.lastSeen) {
		return nil, goerr.Wrap(model.ErrOrderingViolation, "",
			goerr.V("id", msg.ID),
			goerr.V("timestamp", msg.Date),
			goerr.V("last_seen", b.lastSeen))
	}
	b.fed = true
	b.lastSeen = msg.Date

	// Close conversations no message can extend anymore: the sorted stream
	// has advanced past end + gap.
	closed := b.closeExpired(msg.Date)

	target := b.resolve(msg)
	if target == nil {
		target = &openConversation{start: msg.Date}
		b.open = append(b.open, target)
	}
	target.msgs = append(target.msgs, msg)
	if msg.Date.After(target.end) {
		target.end = msg.Date
	}
	b.index[msg.ID] = target

	// Bound open-conversation memory by force-closing the oldest
	for len(b.open) > b.cfg.MaxOpen {
		closed = append(closed, b.closeAt(0))
	}

	return closed, nil
}

// resolve picks the open conversation msg extends, or nil for a new thread.
// A reply link wins over temporal proximity; orphan replies fall through to
// the temporal rule.
func (b *Builder) resolve(msg *model.Message) *openConversation {
	if msg.ReplyToMsgID != 0 {
		if conv, ok := b.index[msg.ReplyToMsgID]; ok {
			return conv
		}
	}

	// Temporal proximity: among open conversations within the gap and the
	// session window, the most recently active wins; ties go to the most
	// recently created.
	var best *openConversation
	for i := len(b.open) - 1; i >= 0; i-- {
		conv := b.open[i]
		if msg.Date.Sub(conv.end) > b.cfg.GapThreshold {
			continue
		}
		if b.cfg.SessionWindow > 0 && msg.Date.Sub(conv.start) > b.cfg.SessionWindow {
			continue
		}
		if best == nil || conv.end.After(best.end) {
			best = conv
		}
	}
	return best
}

func (b *Builder) closeExpired(now time.Time) []*model.Conversation {
	var closed []*model.Conversation
	kept := b.open[:0]
	for _, conv := range b.open {
		if now.Sub(conv.end) > b.cfg.GapThreshold {
			closed = append(closed, b.seal(conv))
			continue
		}
		kept = append(kept, conv)
	}
	b.open = kept
	return closed
}

func (b *Builder) closeAt(i int) *model.Conversation {
	conv := b.open[i]
	b.open = append(b.open[:i], b.open[i+1:]...)
	return b.seal(conv)
}

func (b *Builder) seal(conv *openConversation) *model.Conversation {
	for _, msg := range conv.msgs {
		delete(b.index, msg.ID)
	}
	return model.NewConversation(conv.msgs)
}

// Flush closes all remaining open conversations at end of stream
func (b *Builder) Flush() []*model.Conversation {
	var closed []*model.Conversation
	for _, conv := range b.open {
		closed = append(closed, b.seal(conv))
	}
	b.open = nil
	return closed
}
