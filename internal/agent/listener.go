package agent

import (
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/sidechannel"
)

// The classroom.Listener methods fan Room events out to every UI.

func (a *Agent) StateChanged(s session.Snapshot) {
	a.broadcast(protocol.TypeState, stateMsg(s))
}

func (a *Agent) SyncApplied(st protocol.SyncState) {
	a.broadcast(protocol.TypeSyncState, protocol.SyncStateMsg{State: st})
}

func (a *Agent) SyncRequested(from string, st protocol.SyncState) {
	a.broadcast(protocol.TypeSyncRequest, protocol.SyncStateMsg{From: from, State: st})
}

func (a *Agent) ChatReceived(m protocol.ChatMessage) {
	a.broadcast(protocol.TypeChatMessage, protocol.ChatMessageMsg{Message: m})
}

func (a *Agent) ChatHistory(msgs []protocol.ChatMessage) {
	a.broadcast(protocol.TypeChatHistory, protocol.ChatHistoryMsg{Messages: msgs})
}

func (a *Agent) StrokeReceived(s protocol.Stroke) {
	a.broadcast(protocol.TypeStroke, protocol.StrokeEventMsg{Stroke: s})
}

func (a *Agent) WhiteboardCleared(p protocol.WhiteboardClearPayload) {
	a.broadcast(protocol.TypeWhiteboardClear, p)
}

func (a *Agent) TypingChanged(identity string, typing bool) {
	a.broadcast(protocol.TypeTyping, protocol.TypingEventMsg{Identity: identity, IsTyping: typing})
}

func (a *Agent) Notice(n sidechannel.Notice) {
	a.broadcast(protocol.TypeNotice, protocol.NoticeMsg{Source: n.Source, Message: n.Message})
}
