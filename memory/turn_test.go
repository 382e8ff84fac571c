package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lavisapp/lavis/llm"
)

func frame(tag string) Frame {
	return Frame{MIME: "image/png", B64: "b64-" + tag}
}

func TestCurrentTurnKeepsAllFrames(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.BeginTurn("t1")
	for i := 0; i < 5; i++ {
		m.AddWithFrames(llm.RoleUser, fmt.Sprintf("frame %d", i), []Frame{frame(fmt.Sprint(i))})
	}

	_, images, _ := m.Stats()
	if images != 5 {
		t.Errorf("current turn images = %d, want 5", images)
	}
}

func TestHistoricalTurnCompactsToFirstAndLast(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.BeginTurn("t1")
	for i := 0; i < 5; i++ {
		m.AddWithFrames(llm.RoleUser, fmt.Sprintf("step %d", i), []Frame{frame(fmt.Sprint(i))})
	}
	m.BeginTurn("t2")

	_, images, _ := m.Stats()
	if images != 2 {
		t.Errorf("historical turn images = %d, want 2 (first and last)", images)
	}

	messages := m.Messages()
	var placeholders []string
	for _, msg := range messages {
		for _, line := range strings.Split(msg.Content, "\n") {
			if strings.HasPrefix(line, "[Visual_Placeholder: t1_") {
				placeholders = append(placeholders, line)
			}
		}
	}
	want := []string{
		"[Visual_Placeholder: t1_1]",
		"[Visual_Placeholder: t1_2]",
		"[Visual_Placeholder: t1_3]",
	}
	if len(placeholders) != len(want) {
		t.Fatalf("placeholders = %v, want %v", placeholders, want)
	}
	for i := range want {
		if placeholders[i] != want[i] {
			t.Errorf("placeholder[%d] = %q, want %q", i, placeholders[i], want[i])
		}
	}
}

func TestCompactionPreservesTextVerbatim(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.BeginTurn("t1")
	texts := []string{"open the settings panel", "scroll to the bottom", "click apply"}
	for i, text := range texts {
		m.AddWithFrames(llm.RoleUser, text, []Frame{frame(fmt.Sprint(i))})
	}
	m.BeginTurn("t2")

	messages := m.Messages()
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	for i, text := range texts {
		if !strings.HasPrefix(messages[i].Content, text) {
			t.Errorf("message %d content %q lost original text %q", i, messages[i].Content, text)
		}
	}
}

func TestTurnWithTwoFramesIsNotCompacted(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.BeginTurn("t1")
	m.AddWithFrames(llm.RoleUser, "a", []Frame{frame("a")})
	m.AddWithFrames(llm.RoleUser, "b", []Frame{frame("b")})
	m.BeginTurn("t2")

	_, images, _ := m.Stats()
	if images != 2 {
		t.Errorf("images = %d, want 2: two-frame turns stay intact", images)
	}
}

func TestFIFOEviction(t *testing.T) {
	m := NewTurnMemory(5, 4)
	m.BeginTurn("t1")
	for i := 0; i < 8; i++ {
		m.Add(llm.RoleUser, fmt.Sprintf("message %d", i))
	}

	messages := m.Messages()
	if len(messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(messages))
	}
	if messages[0].Content != "message 3" {
		t.Errorf("oldest surviving message = %q, want %q", messages[0].Content, "message 3")
	}
}

func TestEvictionRebuildsIndexes(t *testing.T) {
	m := NewTurnMemory(4, 4)
	m.BeginTurn("t1")
	for i := 0; i < 3; i++ {
		m.AddWithFrames(llm.RoleUser, fmt.Sprintf("t1 step %d", i), []Frame{frame(fmt.Sprint(i))})
	}
	m.BeginTurn("t2")
	for i := 0; i < 3; i++ {
		m.AddWithFrames(llm.RoleUser, fmt.Sprintf("t2 step %d", i), []Frame{frame(fmt.Sprint(i))})
	}
	// t1 entries were partially evicted; compaction must not touch
	// positions that no longer exist.
	m.BeginTurn("t3")

	if _, _, messages := statsOf(m); messages != 4 {
		t.Errorf("messages = %d, want 4", messages)
	}
}

func statsOf(m *TurnMemory) (int, int, int) {
	return m.Stats()
}

func TestLegacyEntriesKeepRecentWindow(t *testing.T) {
	m := NewTurnMemory(50, 2)
	// No BeginTurn: entries are untagged.
	for i := 0; i < 5; i++ {
		m.AddWithFrames(llm.RoleUser, fmt.Sprintf("legacy %d", i), []Frame{frame(fmt.Sprint(i))})
	}

	_, images, _ := m.Stats()
	if images != 2 {
		t.Errorf("legacy images = %d, want 2 (most recent window)", images)
	}

	messages := m.Messages()
	if !strings.Contains(messages[0].Content, genericPlaceholder) {
		t.Errorf("oldest legacy entry %q lacks the generic placeholder", messages[0].Content)
	}
}

func TestMessagesReturnsSnapshot(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.Add(llm.RoleUser, "hello")

	snapshot := m.Messages()
	m.Add(llm.RoleAssistant, "world")

	if len(snapshot) != 1 {
		t.Errorf("snapshot mutated by later append: %d entries", len(snapshot))
	}
}

func TestReset(t *testing.T) {
	m := NewTurnMemory(50, 4)
	m.BeginTurn("t1")
	m.AddWithFrames(llm.RoleUser, "x", []Frame{frame("x")})
	m.Reset()

	turns, images, messages := m.Stats()
	if turns != 0 || images != 0 || messages != 0 {
		t.Errorf("stats after reset = (%d, %d, %d), want zeros", turns, images, messages)
	}
	if m.CurrentTurn() != "" {
		t.Error("current turn should clear on reset")
	}
}
