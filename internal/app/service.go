package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"tasksync/internal/auth"
	"tasksync/internal/config"
	"tasksync/internal/rbac"
	"tasksync/internal/realtime"
	"tasksync/internal/session"
	"tasksync/internal/util"
	"tasksync/internal/wire"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// Pinger is a backend whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Directory lists live sessions across every instance.
type Directory interface {
	Sessions(ctx context.Context, userID string) ([]session.Record, error)
}

type NotifyInput struct {
	ID              string    `json:"id"`
	RecipientUserID string    `json:"recipientUserId"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntity   string    `json:"relatedEntity"`
	CreatedAt       time.Time `json:"createdAt"`
}

type EntityChangedInput struct {
	RoomID  string          `json:"roomId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Exclude string          `json:"excludeSessionId"`
}

type EntityDeletedInput struct {
	RoomID  string `json:"roomId"`
	Key     string `json:"key"`
	Exclude string `json:"excludeSessionId"`
}

type Service struct {
	cfg       config.Config
	hub       *realtime.Hub
	directory Directory
	checks    map[string]Pinger

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the service facade over hub. directory and checks are optional.
func New(cfg config.Config, hub *realtime.Hub, directory Directory, checks map[string]Pinger) *Service {
	if checks == nil {
		checks = map[string]Pinger{}
	}
	return &Service{
		cfg:       cfg,
		hub:       hub,
		directory: directory,
		checks:    checks,
		closing:   make(chan struct{}),
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if claims.Sub == "" {
		return Session{}, auth.ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Sub
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  name,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Ready pings every configured backend and returns each result by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

// Serve runs one attached connection until it closes, ctx ends or the
// service is closed.
func (s *Service) Serve(ctx context.Context, conn realtime.FrameConn, sess Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	attached := realtime.NewSession(util.NewID("ses"), sess.UserID, sess.UserName, sess.Role, s.cfg.SendBuffer)
	s.hub.Serve(ctx, conn, attached)
}

// Close ends every connection served through Serve.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Service) Presence(roomID string) (wire.PresenceSnapshot, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return wire.PresenceSnapshot{}, validationError("roomId is required", map[string]string{"roomId": "required"})
	}
	return s.hub.Presence(roomID), nil
}

func (s *Service) Notify(ctx context.Context, input NotifyInput) (wire.Notification, error) {
	input.RecipientUserID = strings.TrimSpace(input.RecipientUserID)
	input.Title = strings.TrimSpace(input.Title)
	fields := map[string]string{}
	if input.RecipientUserID == "" {
		fields["recipientUserId"] = "required"
	}
	if input.Title == "" {
		fields["title"] = "required"
	}
	if err := validationError("Invalid notification", fields); err != nil {
		return wire.Notification{}, err
	}

	n := wire.Notification{
		ID:              strings.TrimSpace(input.ID),
		RecipientUserID: input.RecipientUserID,
		Type:            firstNonBlank(input.Type, "general"),
		Title:           input.Title,
		Message:         input.Message,
		RelatedEntity:   input.RelatedEntity,
		CreatedAt:       input.CreatedAt,
	}
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.hub.Notify(ctx, n); err != nil {
		return wire.Notification{}, err
	}
	return n, nil
}

func (s *Service) EntityChanged(ctx context.Context, input EntityChangedInput) error {
	fields := entityFields(input.RoomID, input.Key)
	if len(input.Value) == 0 || !json.Valid(input.Value) {
		fields["value"] = "must be a JSON value"
	}
	if err := validationError("Invalid entity event", fields); err != nil {
		return err
	}
	return s.hub.PublishEntityChanged(ctx, input.RoomID, input.Key, input.Value, input.Exclude)
}

func (s *Service) EntityDeleted(ctx context.Context, input EntityDeletedInput) error {
	if err := validationError("Invalid entity event", entityFields(input.RoomID, input.Key)); err != nil {
		return err
	}
	return s.hub.PublishEntityDeleted(ctx, input.RoomID, input.Key, input.Exclude)
}

// OnlineSessions lists the live sessions of userID, oldest first.
func (s *Service) OnlineSessions(ctx context.Context, userID string) ([]session.Record, error) {
	if s.directory == nil {
		return nil, domainError(http.StatusServiceUnavailable, "DIRECTORY_UNAVAILABLE", "Session directory is not configured", nil)
	}
	records, err := s.directory.Sessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []session.Record{}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectedAt.Before(records[j].ConnectedAt)
	})
	return records, nil
}

func entityFields(roomID, key string) map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(roomID) == "" {
		fields["roomId"] = "required"
	}
	if strings.TrimSpace(key) == "" {
		fields["key"] = "required"
	}
	return fields
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
