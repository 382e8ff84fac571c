// Package memory holds the two-layer context store: bounded vision-aware
// chat history per turn, and long-lived per-goal task state.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lavisapp/lavis/llm"
)

// genericPlaceholder replaces frames from entries that predate turn
// tagging.
const genericPlaceholder = "[Visual_Placeholder]"

// Frame is one visual attachment on an entry. Once compacted the payload
// is gone and only the placeholder remains.
type Frame struct {
	MIME        string
	B64         string
	placeholder string
}

// Compacted reports whether the frame's pixels were dropped.
func (f Frame) Compacted() bool { return f.placeholder != "" }

// Entry is one chat history record.
type Entry struct {
	Role    string
	Content string
	Frames  []Frame
	TurnID  string
}

// TurnMemory is a bounded, ordered chat history. The current turn keeps
// all its frames; historical turns are compacted down to their first and
// last frame, with placeholders standing in for the rest. Entries beyond
// maxEntries are evicted oldest first.
type TurnMemory struct {
	mu          sync.RWMutex
	entries     []*Entry
	maxEntries  int
	legacyKeep  int
	currentTurn string

	// Positions of frame-carrying entries, maintained on every append
	// and rebuilt on eviction.
	turnPositions map[string][]int
	positionTurn  map[int]string
}

// NewTurnMemory creates a history bounded at maxEntries. legacyKeep is
// the number of most recent untagged user entries whose frames survive
// compaction.
func NewTurnMemory(maxEntries, legacyKeep int) *TurnMemory {
	if maxEntries < 1 {
		maxEntries = 50
	}
	if legacyKeep < 1 {
		legacyKeep = 4
	}
	return &TurnMemory{
		maxEntries:    maxEntries,
		legacyKeep:    legacyKeep,
		turnPositions: make(map[string][]int),
		positionTurn:  make(map[int]string),
	}
}

// BeginTurn switches the ambient turn id. Subsequent appends are tagged
// with it and the previous turn becomes historical, eligible for frame
// compaction.
func (m *TurnMemory) BeginTurn(turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTurn = turnID
	m.compactLocked()
}

// CurrentTurn returns the ambient turn id.
func (m *TurnMemory) CurrentTurn() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTurn
}

// Add appends a text-only entry tagged with the current turn.
func (m *TurnMemory) Add(role, content string) {
	m.AddWithFrames(role, content, nil)
}

// AddWithFrames appends an entry carrying visual frames, records the
// frame positions, then evicts and compacts.
func (m *TurnMemory) AddWithFrames(role, content string, frames []Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &Entry{Role: role, Content: content, TurnID: m.currentTurn}
	if len(frames) > 0 {
		entry.Frames = append([]Frame(nil), frames...)
	}
	m.entries = append(m.entries, entry)

	if len(entry.Frames) > 0 && entry.TurnID != "" {
		pos := len(m.entries) - 1
		m.turnPositions[entry.TurnID] = append(m.turnPositions[entry.TurnID], pos)
		m.positionTurn[pos] = entry.TurnID
	}

	m.evictLocked()
	m.compactLocked()
}

// Messages returns a snapshot of the history in gateway shape. Compacted
// frames appear as placeholder lines appended to the entry text; live
// frames become image parts.
func (m *TurnMemory) Messages() []llm.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]llm.ChatMessage, 0, len(m.entries))
	for _, entry := range m.entries {
		msg := llm.ChatMessage{Role: entry.Role, Content: entry.Content}
		var placeholders []string
		for _, frame := range entry.Frames {
			if frame.Compacted() {
				placeholders = append(placeholders, frame.placeholder)
			} else {
				msg.Images = append(msg.Images, llm.ImagePart{MIME: frame.MIME, B64: frame.B64})
			}
		}
		if len(placeholders) > 0 {
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += strings.Join(placeholders, "\n")
		}
		messages = append(messages, msg)
	}
	return messages
}

// Stats reports (totalTurns, totalImages, totalMessages). Images counts
// live frames only.
func (m *TurnMemory) Stats() (turns, images, messages int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, entry := range m.entries {
		if entry.TurnID != "" && !seen[entry.TurnID] {
			seen[entry.TurnID] = true
			turns++
		}
		for _, frame := range entry.Frames {
			if !frame.Compacted() {
				images++
			}
		}
	}
	return turns, images, len(m.entries)
}

// Reset clears the history and all indexes.
func (m *TurnMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.currentTurn = ""
	m.turnPositions = make(map[string][]int)
	m.positionTurn = make(map[int]string)
}

// evictLocked drops the oldest entries until the history fits, then
// rebuilds the position indexes.
func (m *TurnMemory) evictLocked() {
	if len(m.entries) <= m.maxEntries {
		return
	}
	m.entries = m.entries[len(m.entries)-m.maxEntries:]

	m.turnPositions = make(map[string][]int)
	m.positionTurn = make(map[int]string)
	for pos, entry := range m.entries {
		if len(entry.Frames) > 0 && entry.TurnID != "" {
			m.turnPositions[entry.TurnID] = append(m.turnPositions[entry.TurnID], pos)
			m.positionTurn[pos] = entry.TurnID
		}
	}
}

// compactLocked enforces the frame retention policy: historical turns
// keep their first and last frame, untagged entries keep frames only in
// the most recent legacyKeep user entries.
func (m *TurnMemory) compactLocked() {
	for turnID, positions := range m.turnPositions {
		if turnID == m.currentTurn {
			continue
		}
		m.compactTurnLocked(turnID, positions)
	}
	m.compactLegacyLocked()
}

// compactTurnLocked replaces all but the first and last frame of one
// historical turn with indexed placeholders.
func (m *TurnMemory) compactTurnLocked(turnID string, positions []int) {
	total := 0
	for _, pos := range positions {
		total += len(m.entries[pos].Frames)
	}
	if total <= 2 {
		return
	}

	index := 0
	for _, pos := range positions {
		entry := m.entries[pos]
		for i := range entry.Frames {
			first := index == 0
			last := index == total-1
			if !first && !last && !entry.Frames[i].Compacted() {
				entry.Frames[i] = Frame{
					placeholder: fmt.Sprintf("[Visual_Placeholder: %s_%d]", turnID, index),
				}
			}
			index++
		}
	}
}

// compactLegacyLocked applies the pre-turn policy: frames survive only in
// the most recent legacyKeep untagged user entries.
func (m *TurnMemory) compactLegacyLocked() {
	kept := 0
	for i := len(m.entries) - 1; i >= 0; i-- {
		entry := m.entries[i]
		if entry.TurnID != "" || len(entry.Frames) == 0 {
			continue
		}
		if entry.Role == llm.RoleUser && kept < m.legacyKeep {
			kept++
			continue
		}
		// Older untagged frames collapse to one generic placeholder.
		entry.Frames = []Frame{{placeholder: genericPlaceholder}}
	}
}
