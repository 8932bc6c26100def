package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	// EventsChannel is the data channel label the model listens on.
	EventsChannel = "oai-events"

	opusClockRate   = 48000
	opusChannels    = 2
	opusPayloadType = 111
	opusFmtp        = "minptime=10;useinbandfec=1"

	// FrameDuration is the length of each sample written to the
	// microphone track.
	FrameDuration = 20 * time.Millisecond
)

// WebRTCDialer negotiates a peer connection with one audio track in each
// direction and the events data channel.
type WebRTCDialer struct {
	Negotiator *Negotiator
	// NewCodec builds the Opus codec of each connection.
	NewCodec   func() (Codec, error)
	ICEServers []webrtc.ICEServer
	// Settings overrides pion's defaults, e.g. to allow loopback candidates.
	Settings *webrtc.SettingEngine
	Logger   *zap.Logger
}

func (d *WebRTCDialer) api() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: opusFmtp,
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus codec: %w", err)
	}

	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m)}
	if d.Settings != nil {
		opts = append(opts, webrtc.WithSettingEngine(*d.Settings))
	}
	return webrtc.NewAPI(opts...), nil
}

func (d *WebRTCDialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Dial runs the full offer/answer exchange and returns once the events
// channel is open. Cancelling ctx abandons negotiation and releases the
// peer connection.
func (d *WebRTCDialer) Dial(ctx context.Context, token string, h Handlers) (Transport, error) {
	if d.Negotiator == nil {
		return nil, errors.New("webrtc dialer has no negotiator")
	}
	if d.NewCodec == nil {
		return nil, errors.New("webrtc dialer has no audio codec")
	}
	codec, err := d.NewCodec()
	if err != nil {
		return nil, err
	}

	api, err := d.api()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: d.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &webrtcTransport{pc: pc, codec: codec, handlers: h, logger: d.logger()}
	ok := false
	defer func() {
		if !ok {
			_ = t.Close()
		}
	}()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Debug("remote audio track received", zap.String("codec", track.Codec().MimeType))
		go t.drain(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.remoteClosed(fmt.Errorf("peer connection %s", state))
		}
	})

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"microphone",
		"voiceledger",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create microphone track: %w", err)
	}
	if _, err := pc.AddTrack(mic); err != nil {
		return nil, fmt.Errorf("failed to add microphone track: %w", err)
	}
	t.mic = mic

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	t.dc = dc

	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.message(msg.Data)
	})
	dc.OnClose(func() {
		t.remoteClosed(errors.New("events channel closed"))
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	answer, err := d.Negotiator.Exchange(ctx, token, pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return nil, &NegotiationError{Err: fmt.Errorf("invalid answer: %w", err)}
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ok = true
	return t, nil
}

type webrtcTransport struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	mic      *webrtc.TrackLocalStaticSample
	codec    Codec
	handlers Handlers
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	notified bool
}

func (t *webrtcTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed || t.notified
	t.mu.Unlock()
	if closed || t.dc == nil {
		return errors.New("transport closed")
	}
	return t.dc.SendText(string(data))
}

// WriteAudio encodes pcm onto the microphone track. It is called from the
// capture goroutine only.
func (t *webrtcTransport) WriteAudio(pcm []byte) error {
	t.mu.Lock()
	closed := t.closed || t.notified
	t.mu.Unlock()
	if closed || t.mic == nil {
		return errors.New("transport closed")
	}

	frames, err := t.codec.Encode(pcm)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := t.mic.WriteSample(media.Sample{Data: frame, Duration: FrameDuration}); err != nil {
			return fmt.Errorf("failed to write microphone sample: %w", err)
		}
	}
	return nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.dc != nil {
		_ = t.dc.Close()
	}
	return t.pc.Close()
}

func (t *webrtcTransport) remoteClosed(err error) {
	t.mu.Lock()
	if t.closed || t.notified {
		t.mu.Unlock()
		return
	}
	t.notified = true
	t.mu.Unlock()

	t.handlers.closed(err)
}

// drain reads the model's media track until the connection goes away.
func (t *webrtcTransport) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		t.handlePacket(pkt)
	}
}

// handlePacket decodes one packet of model speech. Undecodable packets are
// dropped so a single bad frame does not end playback.
func (t *webrtcTransport) handlePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	pcm, err := t.codec.Decode(pkt.Payload)
	if err != nil {
		t.logger.Debug("dropping undecodable packet", zap.Uint16("seq", pkt.SequenceNumber), zap.Error(err))
		return
	}
	if len(pcm) > 0 {
		t.handlers.audio(pcm)
	}
}
