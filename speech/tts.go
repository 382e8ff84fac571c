package speech

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/push"
)

// synthesisTimeout bounds one TTS call.
const synthesisTimeout = 60 * time.Second

// Synthesizer is the gateway surface AsyncTts needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, format string) ([]byte, error)
	TTSFormat() string
}

// job is one pending synthesis request.
type job struct {
	sessionID string
	requestID string
	text      string
}

// AsyncTts synthesizes replies on a small worker pool and streams the
// audio in segments over the push channel. Submissions for a requestId
// already queued replace the older text instead of queueing twice.
type AsyncTts struct {
	synth  Synthesizer
	sink   push.Sink
	cfg    config.SpeechConfig
	logger *zap.Logger

	mu     sync.Mutex
	queue  []*job
	queued map[string]*job // keyed by requestID
	closed bool
	wake   chan struct{}
	wg     sync.WaitGroup
}

// NewAsyncTts creates the pool and starts its workers.
func NewAsyncTts(synth Synthesizer, sink push.Sink, cfg config.SpeechConfig, logger *zap.Logger) *AsyncTts {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 16
	}
	if cfg.SegmentBytes < 1 {
		cfg.SegmentBytes = 64 * 1024
	}
	t := &AsyncTts{
		synth:  synth,
		sink:   sink,
		cfg:    cfg,
		logger: logger.Named("tts"),
		queued: make(map[string]*job),
		wake:   make(chan struct{}, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Submit enqueues a synthesis request. A request already queued under the
// same requestId is replaced by the newer text. A full queue drops the
// submission with a warning.
func (t *AsyncTts) Submit(sessionID, text, requestID string) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if pending, ok := t.queued[requestID]; ok {
		pending.sessionID = sessionID
		pending.text = text
		t.mu.Unlock()
		return true
	}
	if len(t.queue) >= t.cfg.QueueSize {
		t.mu.Unlock()
		t.logger.Warn("tts queue full, dropping request",
			zap.String("requestId", requestID), zap.String("session", sessionID))
		return false
	}
	j := &job{sessionID: sessionID, requestID: requestID, text: text}
	t.queue = append(t.queue, j)
	t.queued[requestID] = j
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Shutdown stops accepting work and waits for the workers to drain.
func (t *AsyncTts) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.wake)
	t.wg.Wait()
}

// Pending returns the queue depth.
func (t *AsyncTts) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *AsyncTts) worker() {
	defer t.wg.Done()
	for {
		j := t.pop()
		if j == nil {
			if t.isClosed() {
				return
			}
			if _, ok := <-t.wake; !ok {
				// Drain whatever was queued before shutdown.
				for j := t.pop(); j != nil; j = t.pop() {
					t.synthesize(j)
				}
				return
			}
			continue
		}
		t.synthesize(j)
	}
}

func (t *AsyncTts) pop() *job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	j := t.queue[0]
	t.queue = t.queue[1:]
	delete(t.queued, j.requestID)
	return j
}

func (t *AsyncTts) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed && len(t.queue) == 0
}

// synthesize runs one job and streams the result. On failure a single
// execution_error event is sent; no tts_audio events.
func (t *AsyncTts) synthesize(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), synthesisTimeout)
	defer cancel()

	audio, err := t.synth.Synthesize(ctx, j.text, "", "")
	if err != nil {
		t.logger.Warn("synthesis failed",
			zap.String("requestId", j.requestID), zap.Error(err))
		t.deliver(j.sessionID, push.ExecutionError("speech synthesis failed", "TTS_FAILED", j.requestID))
		return
	}

	format := t.synth.TTSFormat()
	segments := segment(audio, t.cfg.SegmentBytes)
	for seq, chunk := range segments {
		last := seq == len(segments)-1
		b64 := base64.StdEncoding.EncodeToString(chunk)
		t.deliver(j.sessionID, push.TtsAudio(j.requestID, format, b64, seq, last))
	}
	t.logger.Debug("audio streamed",
		zap.String("requestId", j.requestID),
		zap.Int("bytes", len(audio)),
		zap.Int("segments", len(segments)))
}

// deliver targets the owning session, falling back to broadcast when the
// session went away mid-synthesis.
func (t *AsyncTts) deliver(sessionID string, event push.Event) {
	if sessionID != "" && t.sink.SendByID(sessionID, event) {
		return
	}
	t.sink.Broadcast(event)
}

// segment splits audio into size-bounded chunks, at least one even for
// empty audio so the client always sees a terminal segment.
func segment(audio []byte, size int) [][]byte {
	if len(audio) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for start := 0; start < len(audio); start += size {
		end := start + size
		if end > len(audio) {
			end = len(audio)
		}
		chunks = append(chunks, audio[start:end])
	}
	return chunks
}
