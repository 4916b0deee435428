// Command tutorvoice runs a live voice tutoring session from the terminal.
//
// It captures microphone audio, streams it to the voice backend, plays tutor
// speech back, and prints the running transcript. The session ends on "q",
// Ctrl-C, a dropped connection, or an exhausted time budget.
//
// Environment variables (also read from .env):
//
//	TUTOR_API_URL   - Base URL for the session token/status/usage endpoints
//	TUTOR_WS_URL    - WebSocket URL for the voice backend
//	TUTOR_API_TOKEN - Bearer token for the API endpoints
//	TUTOR_USER_ID   - User id declared in the session handshake
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tutorwave/voicekit/internal/dotenv"
	"github.com/tutorwave/voicekit/pkg/session"
	"github.com/tutorwave/voicekit/pkg/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tutorvoice:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = dotenv.Load(".env", ".env.local")

	apiURL := flag.String("api-url", os.Getenv("TUTOR_API_URL"), "base URL for session endpoints")
	wsURL := flag.String("ws-url", os.Getenv("TUTOR_WS_URL"), "voice backend WebSocket URL")
	apiToken := flag.String("token", os.Getenv("TUTOR_API_TOKEN"), "API bearer token")
	userID := flag.String("user", os.Getenv("TUTOR_USER_ID"), "user id")
	studentName := flag.String("student", "", "student display name")
	ageGroup := flag.String("age", "", "student age group")
	subject := flag.String("subject", "general", "tutoring subject")
	language := flag.String("language", "en", "session language")
	docs := flag.String("docs", "", "comma-separated document ids for context")
	historyPath := flag.String("history", "", "sqlite path for transcript history (empty disables)")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *apiURL == "" || *wsURL == "" {
		return fmt.Errorf("both -api-url and -ws-url are required")
	}
	if *userID == "" {
		return fmt.Errorf("-user (or TUTOR_USER_ID) is required")
	}

	var store *transcript.Store
	if *historyPath != "" {
		var err error
		store, err = transcript.OpenStore(*historyPath)
		if err != nil {
			logger.Warn("transcript history disabled", "path", *historyPath, "err", err)
		} else {
			defer store.Close()
		}
	}

	var documents []string
	for _, doc := range strings.Split(*docs, ",") {
		if doc = strings.TrimSpace(doc); doc != "" {
			documents = append(documents, doc)
		}
	}

	ctrl := session.NewController(session.Config{
		API: &session.APIClient{
			BaseURL:   *apiURL,
			AuthToken: *apiToken,
			Logger:    logger,
		},
		WSURL: *wsURL,
		Identity: session.Identity{
			UserID:      *userID,
			StudentName: *studentName,
			AgeGroup:    *ageGroup,
			Subject:     *subject,
			Language:    *language,
			Documents:   documents,
		},
		OpenSource: openMicSource,
		Sink:       newSpeakerSink(),
		Store:      store,
		Logger:     logger,
	})

	fmt.Printf("Starting %s session... (speak naturally; 'q' quits, 'switch <subject>' changes subject)\n", *subject)
	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	printer := &transcriptPrinter{}
	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			// Mirror an abrupt-exit path first so minutes survive even if
			// the orderly stop below is interrupted.
			ctrl.ReportUnload()
			return ctrl.Stop()

		case line, ok := <-lines:
			if !ok {
				return ctrl.Stop()
			}
			switch {
			case line == "q" || line == "quit":
				return ctrl.Stop()
			case strings.HasPrefix(line, "switch "):
				next := strings.TrimSpace(strings.TrimPrefix(line, "switch "))
				if next == "" {
					fmt.Println("usage: switch <subject>")
					continue
				}
				identity := session.Identity{
					UserID:      *userID,
					StudentName: *studentName,
					AgeGroup:    *ageGroup,
					Subject:     next,
					Language:    *language,
					Documents:   documents,
				}
				fmt.Printf("Switching to %s...\n", next)
				if err := ctrl.SwitchAgent(context.Background(), identity); err != nil {
					return err
				}
				printer.reset()
			case line != "":
				fmt.Println("commands: q, switch <subject>")
			}

		case event := <-ctrl.Events():
			switch e := event.(type) {
			case session.TranscriptEvent:
				printer.render(e.Messages)
			case session.TickEvent:
				if e.SecondsRemaining > 0 && e.SecondsRemaining%60 == 0 {
					fmt.Printf("\n[%d minutes remaining]\n", e.SecondsRemaining/60)
				}
			case session.NoticeEvent:
				fmt.Printf("\n[notice] %s\n", e.Message)
			case session.EndedEvent:
				fmt.Printf("\nSession ended (%s); total time used: %ds\n", e.Reason, e.TotalUsedSeconds)
				if e.Reason != session.EndReasonStopped {
					return nil
				}
			}
		}
	}
}

// transcriptPrinter renders the merged transcript incrementally: new entries
// get their own line, and in-place partial updates rewrite the current line.
type transcriptPrinter struct {
	printed  int
	lastText string
}

func (p *transcriptPrinter) reset() {
	p.printed = 0
	p.lastText = ""
	fmt.Println()
}

func (p *transcriptPrinter) render(messages []transcript.Message) {
	for i := p.printed; i < len(messages); i++ {
		if i > 0 || p.printed > 0 {
			fmt.Println()
		}
		p.printLine(messages[i])
	}
	if len(messages) > p.printed {
		p.printed = len(messages)
		return
	}
	// Same entry count: the tail entry grew or was replaced.
	if p.printed > 0 && len(messages) == p.printed {
		tail := messages[len(messages)-1]
		if tail.Text != p.lastText {
			fmt.Print("\r\033[K")
			p.printLine(tail)
		}
	}
}

func (p *transcriptPrinter) printLine(message transcript.Message) {
	fmt.Printf("%-8s %s", "["+string(message.Speaker)+"]", message.Text)
	p.lastText = message.Text
}
