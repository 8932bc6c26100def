package session

import (
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/codec"
	"github.com/room4-2/VoiceLedger/config"
	"github.com/room4-2/VoiceLedger/credential"
	"github.com/room4-2/VoiceLedger/ledger"
	"github.com/room4-2/VoiceLedger/peer"
	"github.com/room4-2/VoiceLedger/playback"
	"github.com/room4-2/VoiceLedger/realtime"
	"github.com/room4-2/VoiceLedger/tools"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

func newOpusCodec() (peer.Codec, error) {
	return codec.NewOpus()
}

// AgentFactory builds the collaborators of one voice session. token is the
// bearer forwarded to the backend on behalf of the caller.
type AgentFactory interface {
	AgentConfig(token string, mic capture.Source, speaker playback.Sink) agent.Config
}

// Factory wires the production backend, transport and tools.
type Factory struct {
	cfg         *config.Config
	categorizer tools.Categorizer
	logger      *zap.Logger
}

// NewFactory creates a Factory. categorizer may be nil, in which case the
// categorize_expense tool is not offered.
func NewFactory(cfg *config.Config, categorizer tools.Categorizer, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, categorizer: categorizer, logger: logger}
}

func (f *Factory) AgentConfig(token string, mic capture.Source, speaker playback.Sink) agent.Config {
	if token == "" {
		token = f.cfg.ServiceToken
	}

	registry := tools.NewLedgerRegistry(
		ledger.NewClient(f.cfg.BackendURL, f.cfg.BackendAnonKey, token),
		f.categorizer,
		tools.NewRegistry(f.logger),
	)
	decls := registry.Declarations()
	toolDefs := make([]realtime.Tool, 0, len(decls))
	for _, d := range decls {
		toolDefs = append(toolDefs, realtime.ToolFromDeclaration(d))
	}

	return agent.Config{
		Issuer:            credential.NewIssuer(f.cfg.BackendURL, f.cfg.BackendAnonKey, token),
		Dialer:            f.Dialer(),
		Dispatcher:        registry,
		Microphone:        mic,
		Speaker:           speaker,
		Instructions:      DefaultSystemPrompt,
		Tools:             toolDefs,
		InterruptOnSpeech: f.cfg.InterruptOnSpeech,
		Logger:            f.logger,
	}
}

// Dialer returns the transport selected by REALTIME_TRANSPORT.
func (f *Factory) Dialer() peer.Dialer {
	if f.cfg.RealtimeTransport == "webrtc" {
		return &peer.WebRTCDialer{
			Negotiator: peer.NewNegotiator(f.cfg.RealtimeURL, f.cfg.RealtimeModel),
			NewCodec:   newOpusCodec,
			ICEServers: []webrtc.ICEServer{{URLs: []string{defaultSTUN}}},
			Logger:     f.logger,
		}
	}
	return &peer.WebSocketDialer{
		URL:    f.cfg.RealtimeURL,
		Model:  f.cfg.RealtimeModel,
		Logger: f.logger,
	}
}
