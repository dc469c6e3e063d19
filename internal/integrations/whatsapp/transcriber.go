package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// AudioTranscriber turns an audio file into text.
type AudioTranscriber interface {
	TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// VoiceTranscriber downloads a voice note by media id and transcribes it.
type VoiceTranscriber struct {
	media *Client
	stt   AudioTranscriber
}

func NewVoiceTranscriber(media *Client, stt AudioTranscriber) (*VoiceTranscriber, error) {
	if media == nil {
		return nil, errors.New("whatsapp: media client must not be nil")
	}
	if stt == nil {
		return nil, errors.New("whatsapp: transcriber must not be nil")
	}
	return &VoiceTranscriber{media: media, stt: stt}, nil
}

func (t *VoiceTranscriber) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	data, mimeType, err := t.media.DownloadMedia(ctx, mediaRef)
	if err != nil {
		return "", err
	}
	text, err := t.stt.TranscribeAudio(ctx, "voice"+audioExt(mimeType), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("whatsapp: transcribe %s: %w", mediaRef, err)
	}
	return text, nil
}

// audioExt maps a media MIME type such as "audio/ogg; codecs=opus" to a file
// extension the transcription API recognizes.
func audioExt(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.TrimSpace(mimeType)
	}
	switch mt {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/amr":
		return ".amr"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	}
	return ".ogg"
}
