package gladia

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

type initRequest struct {
	Encoding           string              `json:"encoding"`
	BitDepth           int                 `json:"bit_depth"`
	SampleRate         int                 `json:"sample_rate"`
	Channels           int                 `json:"channels"`
	Model              string              `json:"model,omitempty"`
	Endpointing        float64             `json:"endpointing"`
	MaxDuration        float64             `json:"maximum_duration_without_endpointing"`
	LanguageConfig     languageConfig      `json:"language_config"`
	PreProcessing      preProcessing       `json:"pre_processing"`
	RealtimeProcessing *realtimeProcessing `json:"realtime_processing,omitempty"`
	MessagesConfig     messagesConfig      `json:"messages_config"`
}

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type preProcessing struct {
	AudioEnhancer   bool    `json:"audio_enhancer"`
	SpeechThreshold float64 `json:"speech_threshold"`
}

type realtimeProcessing struct {
	CustomVocabulary       bool                    `json:"custom_vocabulary,omitempty"`
	CustomVocabularyConfig *customVocabularyConfig `json:"custom_vocabulary_config,omitempty"`
	CustomSpelling         bool                    `json:"custom_spelling,omitempty"`
	CustomSpellingConfig   *customSpellingConfig   `json:"custom_spelling_config,omitempty"`
}

type customVocabularyConfig struct {
	Vocabulary []string `json:"vocabulary"`
}

type customSpellingConfig struct {
	SpellingDictionary map[string][]string `json:"spelling_dictionary"`
}

type messagesConfig struct {
	ReceivePartialTranscripts bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts   bool `json:"receive_final_transcripts"`
	ReceiveSpeechEvents       bool `json:"receive_speech_events"`
	ReceiveErrors             bool `json:"receive_errors"`
	ReceiveLifecycleEvents    bool `json:"receive_lifecycle_events"`
}

func buildInitRequest(cfg config.SessionConfig) initRequest {
	langs := cfg.Languages
	if langs == nil {
		langs = []string{}
	}
	req := initRequest{
		Encoding:    cfg.Encoding,
		BitDepth:    cfg.BitDepth,
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		Model:       cfg.Model,
		Endpointing: cfg.Endpointing,
		MaxDuration: cfg.MaxDurationWithoutEndpointing,
		LanguageConfig: languageConfig{
			Languages:     langs,
			CodeSwitching: cfg.CodeSwitching,
		},
		PreProcessing: preProcessing{
			AudioEnhancer:   cfg.AudioEnhancer,
			SpeechThreshold: cfg.SpeechThreshold,
		},
		MessagesConfig: messagesConfig{
			ReceivePartialTranscripts: cfg.InterimResults,
			ReceiveFinalTranscripts:   true,
			ReceiveSpeechEvents:       true,
			ReceiveErrors:             true,
			ReceiveLifecycleEvents:    true,
		},
	}
	if len(cfg.CustomVocabulary) > 0 || len(cfg.CustomSpelling) > 0 {
		rp := &realtimeProcessing{}
		if len(cfg.CustomVocabulary) > 0 {
			rp.CustomVocabulary = true
			rp.CustomVocabularyConfig = &customVocabularyConfig{Vocabulary: cfg.CustomVocabulary}
		}
		if len(cfg.CustomSpelling) > 0 {
			rp.CustomSpelling = true
			rp.CustomSpellingConfig = &customSpellingConfig{SpellingDictionary: cfg.CustomSpelling}
		}
		req.RealtimeProcessing = rp
	}
	return req
}

type wireMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *wireError      `json:"error"`
}

type wireError struct {
	Code    int    `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type wireTranscript struct {
	ID        string        `json:"id"`
	IsFinal   bool          `json:"is_final"`
	Utterance wireUtterance `json:"utterance"`
}

type wireUtterance struct {
	Text       string     `json:"text"`
	Start      float64    `json:"start"`
	End        float64    `json:"end"`
	Confidence float64    `json:"confidence"`
	Language   string     `json:"language"`
	Channel    int        `json:"channel"`
	Words      []wireWord `json:"words"`
}

type wireWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type wireSpeech struct {
	Time    float64 `json:"time"`
	Channel int     `json:"channel"`
}

type wireErrorData struct {
	Error *wireError `json:"error"`
}

// decodeMessage maps one Gladia WebSocket message to canonical form. ok is
// false for message types the session does not consume.
func decodeMessage(data []byte) (stt.Message, bool, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Message{}, false, fmt.Errorf("decode gladia message: %w", err)
	}
	switch msg.Type {
	case "transcript":
		var tr wireTranscript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			return stt.Message{}, false, fmt.Errorf("decode gladia transcript: %w", err)
		}
		return stt.Message{Type: stt.MessageTranscript, Transcript: tr.raw()}, true, nil
	case "speech_start", "speech_end":
		var sp wireSpeech
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &sp); err != nil {
				return stt.Message{}, false, fmt.Errorf("decode gladia speech event: %w", err)
			}
		}
		typ := stt.MessageSpeechStart
		if msg.Type == "speech_end" {
			typ = stt.MessageSpeechEnd
		}
		return stt.Message{Type: typ, At: transcript.VendorSeconds(sp.Time)}, true, nil
	case "error":
		return stt.Message{Type: stt.MessageError, Err: vendorError(msg)}, true, nil
	case "end_session":
		return stt.Message{Type: stt.MessageEnd}, true, nil
	}
	return stt.Message{}, false, nil
}

func vendorError(msg wireMessage) *stt.VendorError {
	we := msg.Error
	if we == nil && len(msg.Data) > 0 {
		var data wireErrorData
		if json.Unmarshal(msg.Data, &data) == nil {
			we = data.Error
		}
	}
	if we == nil {
		return &stt.VendorError{Message: "unknown error"}
	}
	code := we.Code
	if code == 0 {
		code = we.Status
	}
	return &stt.VendorError{Code: code, Message: we.Message}
}

func (t wireTranscript) raw() transcript.RawEvent {
	u := t.Utterance
	words := make([]transcript.RawWord, 0, len(u.Words))
	for _, w := range u.Words {
		words = append(words, transcript.RawWord{
			Text:       w.Word,
			Start:      transcript.VendorSeconds(w.Start),
			End:        transcript.VendorSeconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return transcript.RawEvent{
		UtteranceID: t.ID,
		Text:        u.Text,
		Start:       transcript.VendorSeconds(u.Start),
		End:         transcript.VendorSeconds(u.End),
		IsFinal:     t.IsFinal,
		Confidence:  u.Confidence,
		Language:    u.Language,
		Channel:     u.Channel,
		Words:       words,
	}
}
