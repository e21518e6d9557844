package llm

// Outbound event type names we send to the LLM streaming service.
const (
	typeSessionUpdate        = "session.update"
	typeInputAudioAppend     = "input_audio_buffer.append"
	typeResponseCancel       = "response.cancel"
	typeResponseCreate       = "response.create"
	typeConversationItemNew  = "conversation.item.create"
)

// Inbound event type names we consume from the LLM streaming service.
const (
	typeSessionCreated            = "session.created"
	typeSessionUpdated            = "session.updated"
	typeResponseCreated           = "response.created"
	typeResponseAudioStarted      = "response.audio.started"
	typeResponseAudioDelta        = "response.audio.delta"
	typeResponseAudioDone         = "response.audio.done"
	typeResponseAudioTranscript   = "response.audio_transcript.done"
	typeInputTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	typeSpeechStarted             = "input_audio_buffer.speech_started"
	typeSpeechStopped             = "input_audio_buffer.speech_stopped"
	typeResponseCanceled          = "response.canceled"
	typeError                     = "error"
)

// inboundEnvelope is the minimal shape every inbound event shares: a type
// discriminator plus the raw remainder for type-specific decoding.
type inboundEnvelope struct {
	Type string `json:"type"`
}

type audioDeltaEvent struct {
	Delta string `json:"delta"`
}

type transcriptEvent struct {
	Transcript string `json:"transcript"`
}

type errorEvent struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TurnDetection configures the server-side VAD used for the session.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs    int    `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs  int    `json:"silence_duration_ms,omitempty"`
}

// DefaultServerVAD returns the spec's default server_vad configuration.
func DefaultServerVAD() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// SemanticVAD returns a semantic_vad configuration, used for slots where
// the engine wants the LLM to wait for semantic completion rather than a
// fixed silence window (e.g. address/name collection).
func SemanticVAD() TurnDetection {
	return TurnDetection{Type: "semantic_vad"}
}

type sessionConfig struct {
	Modalities              []string      `json:"modalities"`
	Voice                   string        `json:"voice"`
	Instructions            string        `json:"instructions"`
	InputAudioFormat        string        `json:"input_audio_format"`
	OutputAudioFormat       string        `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type sessionUpdateRequest struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type inputAudioAppendRequest struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCreateRequest struct {
	Type     string           `json:"type"`
	Response responsePayload  `json:"response"`
}

type responsePayload struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

type conversationItemRequest struct {
	Type string          `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string                     `json:"type"`
	Role    string                     `json:"role"`
	Content []conversationItemContent  `json:"content"`
}

type conversationItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
