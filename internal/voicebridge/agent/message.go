package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
)

// Conversational AI websocket message types.
type convaiMessage struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Interruption *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
		PingMS  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type clientDataMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// remoteError is returned by ParseMessage for "error" messages.
type remoteError struct {
	message string
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return ErrRemote }

// ParseMessage decodes one text message from the agent. output is the codec
// agent audio is currently delivered in. Metadata messages that name an
// unsupported audio format return an error wrapping media.ErrUnsupportedFormat.
// Unmodelled message types yield an UnknownEvent, never an error.
func ParseMessage(data []byte, output media.Codec) (Event, error) {
	var msg convaiMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrMalformedFrame, err)
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		ev := MetadataEvent{Input: media.CodecPCM16k, Output: output}
		if msg.Metadata == nil {
			return ev, nil
		}
		ev.ConversationID = msg.Metadata.ConversationID
		if f := msg.Metadata.AgentOutputFormat; f != "" {
			c, err := media.ParseFormat(f)
			if err != nil {
				return nil, err
			}
			ev.Output = c
		}
		if f := msg.Metadata.UserInputFormat; f != "" {
			c, err := media.ParseFormat(f)
			if err != nil {
				return nil, err
			}
			ev.Input = c
		}
		return ev, nil

	case "audio":
		if msg.Audio == nil {
			return nil, fmt.Errorf("%w: audio without audio_event", media.ErrMalformedFrame)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64: %v", media.ErrMalformedFrame, err)
		}
		if err := media.Validate(output, pcm); err != nil {
			return nil, err
		}
		return AudioEvent{Data: pcm, Codec: output, EventID: msg.Audio.EventID}, nil

	case "interruption":
		ev := InterruptionEvent{}
		if msg.Interruption != nil {
			ev.EventID = msg.Interruption.EventID
		}
		return ev, nil

	case "agent_response":
		if msg.AgentResponse == nil {
			return UnknownEvent{Type: msg.Type}, nil
		}
		return AgentResponseEvent{Text: msg.AgentResponse.Text}, nil

	case "user_transcript":
		if msg.UserTranscript == nil {
			return UnknownEvent{Type: msg.Type}, nil
		}
		return UserTranscriptEvent{Text: msg.UserTranscript.Text}, nil

	case "ping":
		ev := pingEvent{}
		if msg.Ping != nil {
			ev.EventID = msg.Ping.EventID
		}
		return ev, nil

	case "error":
		text := msg.Message
		if text == "" {
			text = msg.Error
		}
		if text == "" {
			text = string(data)
		}
		return nil, &remoteError{message: text}

	default:
		return UnknownEvent{Type: msg.Type}, nil
	}
}
