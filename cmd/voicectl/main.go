// Command voicectl runs a voice bookkeeping session against the local
// microphone and speaker through sox. Typed lines are sent as text turns;
// /mute, /unmute and /quit control the session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/config"
	"github.com/room4-2/VoiceLedger/gemini"
	"github.com/room4-2/VoiceLedger/playback"
	"github.com/room4-2/VoiceLedger/session"
	"github.com/room4-2/VoiceLedger/tools"
)

func main() {
	token := flag.String("token", os.Getenv("VOICE_TOKEN"), "backend bearer token (defaults to SERVICE_TOKEN)")
	voice := flag.String("voice", "", "voice to speak with (defaults to DEFAULT_VOICE)")
	textOnly := flag.Bool("text", false, "skip the microphone and speaker")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if err := run(*token, *voice, *textOnly, *debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(token, voice string, textOnly, debug bool) error {
	logger, _ := zap.NewDevelopment()
	if !debug {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if voice == "" {
		voice = cfg.DefaultVoice
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var categorizer tools.Categorizer
	if cfg.GeminiAPIKey != "" {
		if c, err := gemini.NewCategorizer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger); err == nil {
			categorizer = c
		}
	}

	var (
		mic     capture.Source
		speaker playback.Sink
	)
	if !textOnly {
		sink := playback.NewSoxSink()
		if err := sink.Start(); err != nil {
			return fmt.Errorf("speaker (is sox installed?): %w", err)
		}
		defer sink.Close()
		mic, speaker = capture.NewSoxSource(), sink
	}

	a := agent.New(session.NewFactory(cfg, categorizer, logger).AgentConfig(token, mic, speaker))
	a.OnStateChange = func(s agent.State) { fmt.Printf("[%s]\n", s) }
	a.OnMessage = func(m agent.Message) { fmt.Printf("%s: %s\n", m.Role, m.Text) }
	a.OnError = func(err error) { fmt.Fprintln(os.Stderr, "error:", err) }

	if err := a.Connect(ctx, voice); err != nil {
		return err
	}
	defer a.Disconnect()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line = strings.TrimSpace(line); line {
			case "":
			case "/quit":
				return nil
			case "/mute":
				a.SetMuted(true)
			case "/unmute":
				a.SetMuted(false)
			default:
				if err := a.SendText(line); err != nil {
					fmt.Fprintln(os.Stderr, "send:", err)
				}
			}
		}
	}
}
