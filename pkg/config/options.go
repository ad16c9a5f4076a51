// Package config resolves the immutable configuration of a Gladia streaming
// session from built-in defaults, environment variables and per-session
// overrides.
//
// Every recognised option is declared once in Options: its key, the
// environment variable that overrides it, its type and its default. Nothing
// else in the module declares a Gladia default.
package config

// Kind is the semantic type an option value is coerced to.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindList
	KindMap
	KindSpelling
	KindDuration
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindSpelling:
		return "json"
	case KindDuration:
		return "duration"
	default:
		return "string"
	}
}

// Option documents one configurable value.
type Option struct {
	// Key is the canonical name, also the mapstructure tag on SessionConfig
	// and the override key.
	Key string
	// Env is the environment variable that overrides the default.
	Env string
	// Inherit names another option whose value is used when this one is not
	// set at the same layer (override or environment).
	Inherit string
	Kind    Kind
	// Default is parsed by the same coercion as environment values.
	Default string
	Doc     string
}

// Options is the exhaustive list of supported settings.
var Options = []Option{
	{Key: "api_key", Env: "GLADIA_API_KEY", Kind: KindString, Default: "", Doc: "Gladia API key (required)."},
	{Key: "base_url", Env: "GLADIA_BASE_URL", Kind: KindString, Default: "https://api.gladia.io", Doc: "Gladia API base URL."},
	{Key: "region", Env: "GLADIA_REGION", Kind: KindString, Default: "", Doc: "Processing region: eu-west, us-west or empty for the account default."},
	{Key: "model", Env: "GLADIA_MODEL", Kind: KindString, Default: "solaria-1", Doc: "Live transcription model."},
	{Key: "encoding", Env: "GLADIA_ENCODING", Kind: KindString, Default: "wav/pcm", Doc: "Audio encoding: wav/pcm, wav/alaw, wav/ulaw."},
	{Key: "bit_depth", Env: "GLADIA_BIT_DEPTH", Kind: KindInt, Default: "16", Doc: "Bits per sample: 8, 16, 24, 32."},
	{Key: "sample_rate", Env: "GLADIA_SAMPLE_RATE", Kind: KindInt, Default: "16000", Doc: "Sample rate in Hz: 8000, 16000, 32000, 44100, 48000."},
	{Key: "channels", Env: "GLADIA_CHANNELS", Kind: KindInt, Default: "1", Doc: "Channel count, 1 to 8."},
	{Key: "languages", Env: "GLADIA_LANGUAGES", Kind: KindList, Default: "", Doc: "Comma separated language codes; empty enables detection."},
	{Key: "code_switching", Env: "GLADIA_CODE_SWITCHING", Kind: KindBool, Default: "false", Doc: "Allow the language to change mid-session."},
	{Key: "interim_results", Env: "GLADIA_INTERIM_RESULTS", Kind: KindBool, Default: "true", Doc: "Deliver interim (partial) transcripts."},
	{Key: "endpointing", Env: "GLADIA_ENDPOINTING", Kind: KindFloat, Default: "0.05", Doc: "Silence in seconds that ends an utterance, 0.01 to 10."},
	{Key: "max_duration_without_endpointing", Env: "GLADIA_MAX_DURATION_WITHOUT_ENDPOINTING", Kind: KindFloat, Default: "5", Doc: "Longest utterance in seconds before a forced final, 5 to 60."},
	{Key: "audio_enhancer", Env: "GLADIA_PRE_PROCESSING_AUDIO_ENHANCER", Kind: KindBool, Default: "true", Doc: "Vendor side audio enhancement."},
	{Key: "speech_threshold", Env: "GLADIA_PRE_PROCESSING_SPEECH_THRESHOLD", Kind: KindFloat, Default: "0.7", Doc: "Vendor VAD sensitivity, 0 to 1."},
	{Key: "custom_vocabulary", Env: "GLADIA_CUSTOM_VOCABULARY", Kind: KindList, Default: "", Doc: "JSON array or comma list of vocabulary hints."},
	{Key: "custom_spelling", Env: "GLADIA_CUSTOM_SPELLING", Kind: KindSpelling, Default: "", Doc: `JSON object mapping a spelling to the spoken forms, e.g. {"SQL":["sequel"]}.`},
	{Key: "min_confidence", Env: "GLADIA_MIN_CONFIDENCE", Kind: KindFloat, Default: "0.1", Doc: "Base confidence threshold for both result kinds, 0 to 1."},
	{Key: "min_confidence_interim", Env: "GLADIA_MIN_CONFIDENCE_INTERIM", Inherit: "min_confidence", Kind: KindFloat, Doc: "Confidence threshold for interim results; defaults to min_confidence."},
	{Key: "min_confidence_final", Env: "GLADIA_MIN_CONFIDENCE_FINAL", Inherit: "min_confidence", Kind: KindFloat, Doc: "Confidence threshold for final results; defaults to min_confidence."},
	{Key: "min_utterance_length", Env: "GLADIA_MIN_UTTERANCE_LENGTH", Kind: KindFloat, Default: "0", Doc: "Shortest interim result in seconds that is delivered."},
	{Key: "locale_map", Env: "GLADIA_LOCALE_MAP", Kind: KindMap, Default: "de:de-DE,en:en-US,fr:fr-FR", Doc: "language:locale pairs used when reporting transcripts."},
	{Key: "connect_timeout", Env: "GLADIA_CONNECT_TIMEOUT", Kind: KindDuration, Default: "10s", Doc: "Timeout of one connection attempt."},
	{Key: "stop_timeout", Env: "GLADIA_STOP_TIMEOUT", Kind: KindDuration, Default: "5s", Doc: "How long Stop waits for pending finals."},
	{Key: "max_reconnects", Env: "GLADIA_MAX_RECONNECTS", Kind: KindInt, Default: "3", Doc: "Retries after a failed or dropped connection, 0 to 20."},
	{Key: "reconnect_backoff", Env: "GLADIA_RECONNECT_BACKOFF", Kind: KindDuration, Default: "500ms", Doc: "Base delay between retries, grows linearly."},
	{Key: "audio_buffer_frames", Env: "GLADIA_AUDIO_BUFFER_FRAMES", Kind: KindInt, Default: "256", Doc: "Audio frames queued per session before frames are dropped."},
}

// overrideAliases maps the option names used by BigBlueButton speech
// messages onto option keys.
var overrideAliases = map[string]string{
	"partialutterances":  "interim_results",
	"minutterancelength": "min_utterance_length",
	"locale":             "languages",
	"language":           "languages",
}

// Lookup returns the option with the given key.
func Lookup(key string) (Option, bool) {
	for _, opt := range Options {
		if opt.Key == key {
			return opt, true
		}
	}
	return Option{}, false
}
