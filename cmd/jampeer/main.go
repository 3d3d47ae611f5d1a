// Command jampeer joins a room as a headless peer. It keeps a replica of the
// shared document, logs every change it sees and can set the metronome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jamsync/internal/auth"
	"jamsync/internal/bridge"
	"jamsync/internal/crdt"
	jlog "jamsync/internal/log"
	"jamsync/internal/retry"
	"jamsync/internal/syncer"
)

var (
	serverURL   string
	roomID      string
	sessionID   string
	displayName string
	bpm         int
	logLevel    string
)

func init() {
	cmd.PersistentFlags().StringVar(&serverURL, "url", "http://localhost:8081", "jamsyncd base url")
	cmd.PersistentFlags().StringVar(&roomID, "room", "", "room to join")
	cmd.PersistentFlags().StringVar(&sessionID, "session", "",
		"session id; a development session is issued when empty")
	cmd.PersistentFlags().StringVar(&displayName, "name", "jampeer", "display name shown to the room")
	cmd.PersistentFlags().IntVar(&bpm, "bpm", 0, "set the metronome tempo after joining")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level")
}

var cmd = &cobra.Command{
	Use:          "jampeer",
	Short:        "headless room peer",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if roomID == "" {
			return errors.New("--room is required")
		}
		logger, err := jlog.New(logLevel, jlog.EncoderConsole)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		err = run(ctx, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func issueSession(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sessions", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("issue session: status %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return body.SessionID, nil
}

func socketURL(base, room, session, name string) string {
	q := url.Values{}
	q.Set("roomId", room)
	q.Set(auth.QueryParam, session)
	q.Set("displayName", name)
	return "ws" + strings.TrimPrefix(base, "http") + "/ws?" + q.Encode()
}

func run(ctx context.Context, logger *zap.Logger) error {
	base := strings.TrimSuffix(serverURL, "/")
	dialPolicy := retry.Exponential(500*time.Millisecond, 5)
	notify := func(attempt int, err error, wait time.Duration) {
		logger.Warn("server unreachable, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	}

	if sessionID == "" {
		id, err := retry.Do(ctx, dialPolicy, func(ctx context.Context, _ int) (string, error) {
			return issueSession(ctx, base)
		}, notify)
		if err != nil {
			return err
		}
		sessionID = id
	}
	logger = logger.With(zap.String("session", sessionID), zap.String("room", roomID))

	b, err := retry.Do(ctx, dialPolicy, func(ctx context.Context, _ int) (*bridge.Bridge, error) {
		return bridge.Dial(ctx, socketURL(base, roomID, sessionID, displayName), nil, logger.Named("bridge"))
	}, notify)
	if err != nil {
		return err
	}

	store := syncer.NewStore()
	unsubscribe := store.Subscribe(func(state crdt.Snapshot, keys []string) {
		for _, k := range keys {
			logger.Info("document changed", zap.String("key", k), zap.Any("value", state[k]))
		}
	})
	defer unsubscribe()
	coord, err := newReplica(sessionID, b, store, logger)
	if err != nil {
		return err
	}
	if bpm > 0 {
		// Peers that connect later receive the edit through the sync exchange.
		if err := setTempo(coord, bpm); err != nil {
			return err
		}
		logger.Info("metronome set", zap.Int("bpm", bpm))
	}

	err = b.Run(ctx, coord)
	if errors.Is(err, bridge.ErrSuperseded) {
		logger.Info("session opened elsewhere, leaving")
		return nil
	}
	return err
}

// newReplica builds the local replica of session. Its actor is derived from
// the session up front: a reconnect is silent and brings no ROOM_JOIN, so
// the replica cannot wait for the server to announce the identity.
func newReplica(session string, t syncer.Transport, store *syncer.Store, logger *zap.Logger) (*syncer.Coordinator, error) {
	doc, err := crdt.New(session, crdt.WithLogger(logger.Named("crdt")))
	if err != nil {
		return nil, err
	}
	return syncer.New(doc, t, store, logger.Named("sync")), nil
}

func setTempo(coord *syncer.Coordinator, bpm int) error {
	if err := coord.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", bpm)
	}); err != nil {
		return fmt.Errorf("set tempo: %w", err)
	}
	return nil
}
