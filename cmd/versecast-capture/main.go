// Command versecast-capture streams raw PCM from stdin through a realtime
// streaming session and shares the results with a VerseCast session.
//
// It expects signed 16-bit little-endian PCM on stdin, e.g.:
//
//	arecord -f S16_LE -r 24000 -c 1 -t raw | versecast-capture -server http://localhost:8080 -session ABC123
//
// Detected transcripts and scripture references are printed locally and
// broadcast to the other session participants through the hub.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/versecast/versecast/internal/hub"
	"github.com/versecast/versecast/internal/session"
	"github.com/versecast/versecast/internal/token"
	"github.com/versecast/versecast/pkg/audio"
	oairt "github.com/versecast/versecast/pkg/provider/realtime/openai"
)

// readChunk is the stdin read size in bytes. Small enough to keep capture
// latency well under the encoder's flush interval.
const readChunk = 3840

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", "http://localhost:8080", "VerseCast server base URL")
	sessionCode := flag.String("session", "", "session code to join (required)")
	userID := flag.String("user", "speaker", "participant identifier")
	model := flag.String("model", "", "realtime model override")
	sampleRate := flag.Int("rate", 24000, "stdin PCM sample rate in Hz")
	channels := flag.Int("channels", 1, "stdin PCM channel count (1 or 2)")
	version := flag.String("bible-version", "KJV", "default bible version for matches")
	language := flag.String("language", "en", "transcript output language")
	minConfidence := flag.Float64("min-confidence", 0.5, "minimum match confidence")
	maxReferences := flag.Int("max-references", 5, "maximum matches per detection")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if *sessionCode == "" {
		fmt.Fprintln(os.Stderr, "versecast-capture: -session is required")
		return 1
	}
	if *channels != 1 && *channels != 2 {
		fmt.Fprintln(os.Stderr, "versecast-capture: -channels must be 1 or 2")
		return 1
	}

	wsURL, err := hubURL(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "versecast-capture: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := token.NewIssuer(strings.TrimRight(*server, "/") + "/v1/realtime/token")
	var provOpts []oairt.Option
	if *model != "" {
		provOpts = append(provOpts, oairt.WithModel(*model))
	}
	provider := oairt.New(provOpts...)

	const targetRate = 24000
	sess := session.New(provider, issuer, session.Config{
		BibleVersion:   *version,
		OutputLanguage: *language,
		MinConfidence:  *minConfidence,
		MaxReferences:  *maxReferences,
		SampleRate:     targetRate,
	})
	defer sess.Disconnect()

	client := hub.NewClient(hub.ClientConfig{
		URL:         wsURL,
		SessionCode: *sessionCode,
		UserID:      *userID,
	})
	defer client.Stop()

	if err := sess.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "versecast-capture: %v\n", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return client.Run(gctx) })

	g.Go(func() error {
		return pumpAudio(gctx, sess.Encoder(), audio.Format{SampleRate: *sampleRate, Channels: *channels}, targetRate)
	})

	g.Go(func() error {
		return pumpEvents(gctx, sess, client)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "versecast-capture: %v\n", err)
		return 1
	}
	return 0
}

// hubURL converts the server base URL into the hub websocket endpoint.
func hubURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server URL scheme %q is not http or https", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// pumpAudio reads raw PCM off stdin, converts it to the negotiated format,
// and feeds the frame encoder until EOF.
func pumpAudio(ctx context.Context, enc *audio.FrameEncoder, src audio.Format, targetRate int) error {
	conv := &audio.Converter{Target: audio.Format{SampleRate: targetRate, Channels: 1}}
	r := bufio.NewReaderSize(os.Stdin, readChunk*4)
	buf := make([]byte, readChunk)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			// A trailing odd byte cannot form an int16 sample.
			samples := audio.BytesToSamples(buf[:n&^1])
			if err := enc.Write(conv.Convert(samples, src)); err != nil {
				return fmt.Errorf("encode audio: %w", err)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return enc.Flush()
			}
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

// pumpEvents renders session events locally and forwards them to the hub.
func pumpEvents(ctx context.Context, sess *session.StreamingSession, client *hub.Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sess.Events():
			if !ok {
				return nil
			}
			switch evt.Kind {
			case session.KindStateChange:
				fmt.Printf("-- %s\n", evt.State)

			case session.KindTranscript:
				if !evt.Final {
					continue
				}
				fmt.Printf("   %s\n", evt.Text)
				if err := client.BroadcastTranscript(ctx, evt.Text); err != nil {
					slog.Warn("transcript broadcast failed", "err", err)
				}

			case session.KindDetection:
				for _, m := range evt.Detection.Matches {
					fmt.Printf(">> %s (%s, %.2f)\n", m.Reference, m.Version, m.Confidence)
				}
				if err := client.BroadcastScripture(ctx, evt.Detection); err != nil {
					slog.Warn("scripture broadcast failed", "err", err)
				}

			case session.KindError:
				fmt.Fprintf(os.Stderr, "!! %s\n", evt.Err)
			}
		}
	}
}
