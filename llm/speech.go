// Speech model adapters: transcription (STT) and synthesis (TTS) over the
// OpenAI audio APIs.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Synthesizer converts text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, format string) ([]byte, error)
}

// OpenAISpeech implements Transcriber and Synthesizer with the OpenAI
// audio endpoints.
type OpenAISpeech struct {
	client       *openai.Client
	sttModel     string
	ttsModel     string
	defaultVoice string
}

// NewOpenAISpeech creates the speech adapter.
func NewOpenAISpeech(apiKey, sttModel, ttsModel, defaultVoice string) *OpenAISpeech {
	return &OpenAISpeech{
		client:       openai.NewClient(apiKey),
		sttModel:     sttModel,
		ttsModel:     ttsModel,
		defaultVoice: defaultVoice,
	}
}

// Transcribe runs speech-to-text on in-memory audio.
func (s *OpenAISpeech) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe: empty audio payload")
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.sttModel,
		Reader:   bytes.NewReader(audio),
		FilePath: "audio." + extensionForMIME(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}

// Synthesize runs text-to-speech and returns the encoded audio.
func (s *OpenAISpeech) Synthesize(ctx context.Context, text, voice, format string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("synthesize: empty text")
	}
	if voice == "" {
		voice = s.defaultVoice
	}
	if format == "" {
		format = "mp3"
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}

// extensionForMIME maps audio MIME types to the filename extension the
// transcription endpoint uses for format detection.
func extensionForMIME(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	if idx := strings.IndexByte(mimeType, ';'); idx != -1 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return "m4a"
	case "audio/webm":
		return "webm"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/flac", "audio/x-flac":
		return "flac"
	default:
		return "wav"
	}
}
