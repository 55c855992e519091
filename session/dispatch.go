package session

import (
	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/gemini"
	"github.com/room4-2/voicelink/protocol"
)

func (o *Orchestrator) dispatchLoop() {
	defer close(o.dispatchDone)
	events := o.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handle(ev)
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) handle(ev gemini.Event) {
	switch e := ev.(type) {
	case gemini.StateEvent:
		o.handleState(e)
	case gemini.TextEvent:
		o.handleText(e.Text)
	case gemini.AudioEvent:
		o.handleAudio(e)
	case gemini.ToolCallEvent:
		o.handleToolCalls(e.Calls)
	case gemini.TurnCompleteEvent:
		o.handleTurnComplete()
	case gemini.InterruptedEvent:
		o.handleServerInterrupted()
	case gemini.ErrorEvent:
		o.handleError(e)
	}
}

func (o *Orchestrator) handleState(e gemini.StateEvent) {
	o.logger.Debug("connection state", "session_id", e.SessionID, "from", e.From, "to", e.To)

	if e.To == gemini.StateActive {
		o.connected.Store(true)
		o.emit(Event{Kind: EventConnection, Connected: true})
		return
	}
	if !e.To.Terminal() {
		return
	}

	o.mu.Lock()
	frozen := o.freezeLocked()
	cid := o.currentIDLocked()
	o.suppress = false
	clear(o.pending)
	o.mu.Unlock()

	o.emitMessage(cid, frozen)
	o.stopSpeaking()
	if o.connected.Swap(false) {
		o.emit(Event{Kind: EventConnection, Connected: false, Err: e.Err})
	}
}

// streamingLocked returns the assistant message being built for the
// current turn, starting one if needed.
func (o *Orchestrator) streamingLocked() *conversation.Message {
	if o.streaming == nil {
		c := o.ensureCurrentLocked()
		o.streaming = conversation.NewMessage(conversation.RoleAssistant)
		c.Append(o.streaming)
	}
	return o.streaming
}

func (o *Orchestrator) handleText(text string) {
	o.mu.Lock()
	if o.suppress {
		o.mu.Unlock()
		return
	}
	msg := o.streamingLocked()
	_ = msg.AppendText(text)
	o.current.Touch()
	snap := msg.Clone()
	cid := o.current.ID
	o.mu.Unlock()

	o.emitMessage(cid, snap)
}

func (o *Orchestrator) handleAudio(e gemini.AudioEvent) {
	o.mu.Lock()
	if o.suppress {
		o.mu.Unlock()
		return
	}
	var snap *conversation.Message
	cid := o.currentIDLocked()
	if o.retainAudio {
		msg := o.streamingLocked()
		_ = msg.AppendAudio(e.MimeType, e.Data)
		snap = msg.Clone()
		cid = o.current.ID
	}
	// Enqueue under mu so an Interrupt either sees this chunk in the
	// buffer it clears or finds the turn suppressed.
	if o.player != nil {
		if err := o.player.Enqueue(e.Data); err != nil {
			o.logger.Warn("failed to queue playback", "error", err)
		} else {
			o.metrics.PlaybackQueued(len(e.Data))
		}
	}
	started := !o.speaking.Swap(true)
	o.mu.Unlock()

	o.emitMessage(cid, snap)
	if started {
		o.emit(Event{Kind: EventSpeaking, Speaking: true})
	}
}

func (o *Orchestrator) handleToolCalls(calls []protocol.FunctionCall) {
	if len(calls) == 0 {
		return
	}

	o.mu.Lock()
	c := o.ensureCurrentLocked()
	msg := conversation.NewMessage(conversation.RoleAssistant)
	for _, call := range calls {
		msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		})
		o.pending[call.ID] = call
	}
	msg.Finish()
	c.Append(msg)
	snap := msg.Clone()
	o.mu.Unlock()

	for _, call := range calls {
		o.metrics.ToolCall(call.Name)
		o.logger.Info("tool call", "id", call.ID, "name", call.Name)
	}
	o.emitMessage(c.ID, snap)
	o.emit(Event{Kind: EventToolCall, ConversationID: c.ID, ToolCalls: snap.ToolCalls})

	if o.autoTools && o.registry != nil {
		o.goAsync(func() {
			responses := o.registry.HandleCalls(o.bgCtx, calls)
			if err := o.SendToolResponse(responses); err != nil {
				o.logger.Warn("failed to answer tool calls", "error", err)
			}
		})
	}
}

func (o *Orchestrator) handleTurnComplete() {
	o.mu.Lock()
	o.suppress = false
	frozen := o.freezeLocked()
	cid := o.currentIDLocked()
	if frozen != nil {
		o.current.Touch()
	}
	saved := o.archiveSnapshotLocked()
	o.mu.Unlock()

	o.metrics.TurnCompleted()
	o.emitMessage(cid, frozen)
	o.stopSpeaking()
	o.archiveAsync(saved)
}

// handleServerInterrupted handles the service detecting that the user
// spoke over the assistant.
func (o *Orchestrator) handleServerInterrupted() {
	o.mu.Lock()
	o.suppress = false
	frozen := o.freezeLocked()
	cid := o.currentIDLocked()
	o.mu.Unlock()

	if o.player != nil {
		o.player.Clear()
	}
	o.metrics.Interrupted()
	o.emitMessage(cid, frozen)
	o.stopSpeaking()
}

func (o *Orchestrator) handleError(e gemini.ErrorEvent) {
	if e.Err == nil {
		return
	}
	o.logger.Warn("live session error", "kind", e.Err.Kind.String(), "fatal", e.Fatal, "error", e.Err)

	if e.Err.Kind == gemini.KindServer {
		o.mu.Lock()
		c := o.ensureCurrentLocked()
		msg := conversation.NewTextMessage(conversation.RoleSystem, e.Err.Err.Error())
		c.Append(msg)
		snap := msg.Clone()
		o.mu.Unlock()
		o.emitMessage(c.ID, snap)
	}
	o.emit(Event{Kind: EventError, Err: e.Err})
}
