package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/daoch4n/anima/pkg/core/conduit"
)

// Client-to-server frames. The Live API takes one JSON object per websocket
// text frame, keyed by which oneof field is set.

type setupFrame struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string             `json:"model"`
	SystemInstruction        *wireContent       `json:"systemInstruction,omitempty"`
	SessionResumption        *sessionResumption `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
	EnableAffectiveDialog    bool               `json:"enableAffectiveDialog,omitempty"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type clientContentFrame struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []wireContent `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text string `json:"text,omitempty"`
}

// Server-to-client frames.

type serverFrame struct {
	SetupComplete           *struct{}          `json:"setupComplete"`
	ServerContent           *serverContent     `json:"serverContent"`
	SessionResumptionUpdate *resumptionUpdate  `json:"sessionResumptionUpdate"`
	GoAway                  *goAwayFrame       `json:"goAway"`
	Error                   *apiError          `json:"error"`
}

type serverContent struct {
	ModelTurn           *wireContent   `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type transcription struct {
	Text string `json:"text"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type goAwayFrame struct {
	// TimeLeft is a protobuf JSON duration, for example "9.5s".
	TimeLeft string `json:"timeLeft"`
}

type apiError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *apiError) rateLimited() bool {
	if e == nil {
		return false
	}
	if e.Code == 429 || e.Status == "RESOURCE_EXHAUSTED" {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit")
}

func buildSetup(cfg conduit.Config) setupFrame {
	payload := setupPayload{
		Model: "models/" + cfg.Model,
		// Always request resumption updates so a token is available before
		// the first GoAway.
		SessionResumption:        &sessionResumption{Handle: cfg.ResumptionToken},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
		EnableAffectiveDialog:    cfg.EnhancedDialog,
	}
	if cfg.SystemPrompt != "" {
		payload.SystemInstruction = &wireContent{Parts: []wirePart{{Text: cfg.SystemPrompt}}}
	}
	return setupFrame{Setup: payload}
}

func buildClientContent(turns []conduit.Turn) clientContentFrame {
	wire := make([]wireContent, 0, len(turns))
	for _, turn := range turns {
		wire = append(wire, wireContent{
			Role:  turn.Role,
			Parts: []wirePart{{Text: turn.Text}},
		})
	}
	return clientContentFrame{ClientContent: clientContent{Turns: wire, TurnComplete: true}}
}

// decodeServerFrame maps one inbound frame onto the conduit's message shape.
// The setupComplete marker is reported separately so the open handshake can
// wait for it.
func decodeServerFrame(data []byte) (msg conduit.ServerMessage, setupDone bool, err error) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return conduit.ServerMessage{}, false, fmt.Errorf("decode live frame: %w", err)
	}

	if frame.SetupComplete != nil {
		return conduit.ServerMessage{}, true, nil
	}
	if frame.Error != nil {
		if frame.Error.rateLimited() {
			return conduit.ServerMessage{RateLimited: true}, false, nil
		}
		return conduit.ServerMessage{}, false, fmt.Errorf("live api error %s: %s", frame.Error.Status, frame.Error.Message)
	}

	if frame.SessionResumptionUpdate != nil && frame.SessionResumptionUpdate.Resumable {
		msg.ResumptionToken = frame.SessionResumptionUpdate.NewHandle
	}
	if frame.GoAway != nil {
		left, parseErr := time.ParseDuration(frame.GoAway.TimeLeft)
		if parseErr != nil {
			return conduit.ServerMessage{}, false, fmt.Errorf("parse goAway timeLeft %q: %w", frame.GoAway.TimeLeft, parseErr)
		}
		msg.GoAway = &conduit.GoAway{TimeLeft: left}
	}
	if sc := frame.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var b strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				b.WriteString(part.Text)
			}
			msg.TextDelta = b.String()
		}
		msg.TurnComplete = sc.TurnComplete
		if sc.InputTranscription != nil {
			msg.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscript = sc.OutputTranscription.Text
		}
	}
	return msg, false, nil
}
