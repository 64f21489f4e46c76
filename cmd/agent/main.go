// Command agent joins a room as a participant. Each stdin line of the form
// "<action> [json]" is sent as a room action; "/leave" leaves the room.
// Incoming actions are printed to stdout as JSON lines.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/cwrk-planet/room-hub/pkg/agent"
	"github.com/cwrk-planet/room-hub/pkg/logger"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type options struct {
	wsURL       string
	apiURL      string
	roomID      string
	code        string
	userID      string
	userData    string
	baseDelay   time.Duration
	maxAttempts int
	logLevel    string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&o.wsURL, "ws", "ws://localhost:8080/ws", "hub WebSocket endpoint")
	fs.StringVar(&o.apiURL, "api", "http://localhost:8080", "hub HTTP API, used to resolve --code")
	fs.StringVarP(&o.roomID, "room", "r", "", "room id")
	fs.StringVarP(&o.code, "code", "c", "", "room join code")
	fs.StringVarP(&o.userID, "user", "u", "", "user id")
	fs.StringVar(&o.userData, "user-data", "", "user data as JSON")
	fs.DurationVar(&o.baseDelay, "base-delay", time.Second, "first reconnect delay")
	fs.IntVar(&o.maxAttempts, "max-attempts", 5, "reconnect attempts before giving up")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.userID == "" {
		return o, errors.New("--user is required")
	}
	if (o.roomID == "") == (o.code == "") {
		return o, errors.New("exactly one of --room or --code is required")
	}
	if o.userData != "" && !json.Valid([]byte(o.userData)) {
		return o, errors.New("--user-data must be valid JSON")
	}
	return o, nil
}

// printer writes every applied action as one JSON line.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) Reset() {}

func (p *printer) Apply(a protocol.ActionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(a)
}

// parseLine splits "<action> [payload]". A payload that is not JSON is sent
// as {"text": payload}.
func parseLine(line string) (string, json.RawMessage, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, false
	}
	kind, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch {
	case rest == "":
		return kind, nil, true
	case json.Valid([]byte(rest)):
		return kind, json.RawMessage(rest), true
	default:
		b, _ := json.Marshal(map[string]string{"text": rest})
		return kind, b, true
	}
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(2)
	}

	level, err := logger.ParseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(2)
	}
	log := logger.Init(logger.Config{
		Service: "room-agent",
		Env:     logger.EnvDev,
		Backend: logger.BackendStd,
		Level:   level,
		Output:  os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.code != "" {
		id, err := agent.ResolveCode(ctx, nil, o.apiURL, o.code)
		if err != nil {
			log.Error("cannot resolve room code", slog.Any("err", err))
			os.Exit(1)
		}
		o.roomID = id
	}

	var userData json.RawMessage
	if o.userData != "" {
		userData = json.RawMessage(o.userData)
	}

	a, err := agent.New(agent.Config{
		Dialer:      agent.WSDialer{URL: o.wsURL},
		RoomID:      o.roomID,
		UserID:      o.userID,
		UserData:    userData,
		BaseDelay:   o.baseDelay,
		MaxAttempts: o.maxAttempts,
		Reducer:     &printer{enc: json.NewEncoder(os.Stdout)},
		Logger:      log,
		OnChange: func(v agent.View) {
			ids := make([]string, 0, len(v.Participants))
			for _, p := range v.Participants {
				ids = append(ids, p.UserID)
			}
			log.Debug("view", slog.String("status", string(v.Status)), slog.Any("participants", ids))
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("connection lost",
				slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("err", err))
		},
	})
	if err != nil {
		log.Error("agent init failed", slog.Any("err", err))
		os.Exit(1)
	}

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) == "/leave" {
				if err := a.Leave(); err != nil {
					log.Warn("leave failed", slog.Any("err", err))
				}
				return
			}
			kind, payload, ok := parseLine(sc.Text())
			if !ok {
				continue
			}
			if err := a.SendAction(kind, payload); err != nil {
				log.Warn("action not sent", slog.String("action", kind), slog.Any("err", err))
			}
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("agent stopped", slog.Any("err", err))
		os.Exit(1)
	}
}
