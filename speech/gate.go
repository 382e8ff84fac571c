// Package speech decides which replies deserve audio and synthesizes
// them asynchronously, streaming segments over the push channel.
package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lavisapp/lavis/llm"
)

// enumeratedStepsThreshold is the number of list lines beyond which a
// reply reads as instructions, not speech.
const enumeratedStepsThreshold = 3

// Classifier is the light-model surface the gate uses for borderline
// text.
type Classifier interface {
	ChatLight(ctx context.Context, messages []llm.ChatMessage) (*llm.Reply, error)
}

// Gate decides whether a reply merits speech. Obvious cases are decided
// locally; the rest go to the light chat model, deduplicated so the same
// text in flight is classified once.
type Gate struct {
	classifier Classifier
	logger     *zap.Logger
	group      singleflight.Group
}

// NewGate creates a gate over the light chat model.
func NewGate(classifier Classifier, logger *zap.Logger) *Gate {
	return &Gate{classifier: classifier, logger: logger.Named("ttsgate")}
}

var (
	codeBlockRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_+-]*\n.*```$")
	listLineRe  = regexp.MustCompile(`^(\d+[.)]|[-*•])\s`)
)

// acknowledgements never merit audio.
var acknowledgements = map[string]struct{}{
	"ok":        {},
	"okay":      {},
	"done":      {},
	"sure":      {},
	"got it":    {},
	"alright":   {},
	"thanks":    {},
	"thank you": {},
	"yes":       {},
	"no":        {},
	"好的":        {},
	"好":         {},
	"完成":        {},
	"收到":        {},
	"明白":        {},
}

// ShouldSpeak reports whether the text merits synthesis. Classification
// failures fail open: dropped audio is worse than an occasional spoken
// status line.
func (g *Gate) ShouldSpeak(ctx context.Context, text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if _, ack := acknowledgements[strings.ToLower(trimmed)]; ack {
		return false
	}
	if codeBlockRe.MatchString(trimmed) {
		return false
	}
	if countListLines(trimmed) >= enumeratedStepsThreshold {
		return false
	}

	key := hashText(trimmed)
	verdict, _, _ := g.group.Do(key, func() (interface{}, error) {
		return g.classify(ctx, trimmed), nil
	})
	return verdict.(bool)
}

func (g *Gate) classify(ctx context.Context, text string) bool {
	reply, err := g.classifier.ChatLight(ctx, []llm.ChatMessage{
		llm.SystemMessage("Decide whether the following assistant reply should be read aloud to the user. " +
			"Answer with exactly SPEAK or SILENT. Technical dumps, file listings, raw data and long " +
			"step-by-step instructions are SILENT; conversational answers and short status updates are SPEAK."),
		llm.UserMessage(text),
	})
	if err != nil {
		g.logger.Warn("speech classification failed, speaking anyway", zap.Error(err))
		return true
	}
	answer := strings.ToUpper(strings.TrimSpace(reply.Content))
	return !strings.Contains(answer, "SILENT")
}

func countListLines(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if listLineRe.MatchString(strings.TrimSpace(line)) {
			count++
		}
	}
	return count
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
