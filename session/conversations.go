package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/store"
)

// restoreLimit bounds how many archived conversations RestoreHistory loads.
const restoreLimit = 50

func (o *Orchestrator) startConversationLocked() *conversation.Conversation {
	if o.current != nil {
		o.current.Active = false
	}
	c := conversation.New()
	c.Active = true
	o.conversations = append(o.conversations, c)
	o.current = c
	return c
}

// StartNewConversation makes a fresh conversation current. A partially
// streamed assistant message in the previous one is frozen.
func (o *Orchestrator) StartNewConversation() (*conversation.Conversation, error) {
	o.mu.Lock()
	if err := o.checkLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	prevID := o.currentIDLocked()
	frozen := o.freezeLocked()
	c := o.startConversationLocked()
	snap := c.Clone()
	o.mu.Unlock()

	o.emitMessage(prevID, frozen)
	o.logger.Info("new conversation", "conversation_id", c.ID)
	return snap, nil
}

// CurrentConversation returns a copy of the current conversation, or nil.
func (o *Orchestrator) CurrentConversation() *conversation.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone()
}

// Conversations lists the known conversations, most recently updated
// first.
func (o *Orchestrator) Conversations() []conversation.Summary {
	o.mu.Lock()
	out := make([]conversation.Summary, 0, len(o.conversations))
	for _, c := range o.conversations {
		out = append(out, c.Summary())
	}
	o.mu.Unlock()
	conversation.SortByRecent(out)
	return out
}

func (o *Orchestrator) findLocked(id string) (int, *conversation.Conversation) {
	for i, c := range o.conversations {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// LoadConversation makes the conversation with id current. Conversations
// not in memory are fetched from the archive.
func (o *Orchestrator) LoadConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	o.mu.Lock()
	_, c := o.findLocked(id)
	o.mu.Unlock()

	if c == nil {
		if o.archive == nil {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		loaded, err := o.archive.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		c = loaded
	}

	o.mu.Lock()
	if _, existing := o.findLocked(id); existing != nil {
		c = existing
	} else {
		o.conversations = append(o.conversations, c)
	}
	prevID := o.currentIDLocked()
	frozen := o.freezeLocked()
	if o.current != nil {
		o.current.Active = false
	}
	c.Active = true
	o.current = c
	snap := c.Clone()
	o.mu.Unlock()

	o.emitMessage(prevID, frozen)
	return snap, nil
}

// DeleteConversation forgets the conversation with id and removes it from
// the archive. Deleting the current conversation leaves none current.
func (o *Orchestrator) DeleteConversation(id string) error {
	o.mu.Lock()
	i, c := o.findLocked(id)
	if c == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	o.conversations = slices.Delete(o.conversations, i, i+1)
	if o.current == c {
		o.current = nil
		o.streaming = nil
	}
	o.mu.Unlock()

	if o.archive != nil {
		o.goAsync(func() {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := o.archive.Delete(ctx, id); err != nil {
				o.logger.Warn("failed to delete archived conversation", "conversation_id", id, "error", err)
			}
		})
	}
	return nil
}

// RestoreHistory loads the most recent archived conversations into memory
// and returns how many were added.
func (o *Orchestrator) RestoreHistory(ctx context.Context) (int, error) {
	if o.archive == nil {
		return 0, nil
	}
	summaries, err := o.archive.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list archived conversations: %w", err)
	}
	if len(summaries) > restoreLimit {
		summaries = summaries[:restoreLimit]
	}

	added := 0
	for _, s := range summaries {
		o.mu.Lock()
		_, known := o.findLocked(s.ID)
		o.mu.Unlock()
		if known != nil {
			continue
		}

		c, err := o.archive.Load(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("failed to load conversation %s: %w", s.ID, err)
		}
		c.Active = false

		o.mu.Lock()
		if _, known := o.findLocked(c.ID); known == nil {
			o.conversations = append(o.conversations, c)
			added++
		}
		o.mu.Unlock()
	}
	o.logger.Info("restored conversation history", "count", added)
	return added, nil
}
