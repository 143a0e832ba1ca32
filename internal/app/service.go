package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"stallboard/api/internal/access"
	"stallboard/api/internal/account"
	"stallboard/api/internal/auth"
	"stallboard/api/internal/config"
	"stallboard/api/internal/export"
	"stallboard/api/internal/push"
	"stallboard/api/internal/ranking"
	"stallboard/api/internal/schedule"
	"stallboard/api/internal/store"
	"stallboard/api/internal/util"
)

const (
	// Pairing codes avoid 0/O/1/I so they survive being read off a TV.
	inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength   = 6
	maxInviteAttempts  = 8

	tokenCacheSize = 512
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type BoardSnapshot struct {
	Board  store.Board       `json:"board"`
	Horses []store.Horse     `json:"horses"`
	Feeds  []store.Feed      `json:"feeds"`
	Diet   []store.DietEntry `json:"diet"`
}

type UpdateHorseInput struct {
	Name       *string    `json:"name"`
	Position   *int       `json:"position"`
	Note       *string    `json:"note"`
	NoteExpiry *time.Time `json:"noteExpiry"`
}

type Stats struct {
	Scheduler schedule.Stats `json:"scheduler"`
	Ranking   ranking.Stats  `json:"ranking"`
	Push      push.Stats     `json:"push"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)

	CreateBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	UpdateBoardName(context.Context, string, string) error
	SetBoardTimeMode(context.Context, string, store.TimeMode, *time.Time) error

	CreateHorse(context.Context, store.Horse) error
	GetHorse(context.Context, string) (store.Horse, error)
	ListHorses(context.Context, string) ([]store.Horse, error)
	UpdateHorse(context.Context, store.Horse) error
	DeleteHorse(context.Context, string) error

	CreateFeed(context.Context, store.Feed) error
	GetFeed(context.Context, string) (store.Feed, error)
	ListFeeds(context.Context, string) ([]store.Feed, error)
	DeleteFeed(context.Context, string) error

	UpsertDietEntry(context.Context, store.DietEntry) error
	ListDietEntries(context.Context, string) ([]store.DietEntry, error)
	DeleteDietEntry(context.Context, string, string) error

	CreateControllerToken(context.Context, store.ControllerToken) error
	GetControllerTokenByHash(context.Context, string) (store.ControllerToken, error)
	ListControllerTokens(context.Context, string) ([]store.ControllerToken, error)
	RevokeControllerToken(context.Context, string) error
	TouchControllerToken(context.Context, string) error

	CreateInvite(context.Context, store.Invite) error
	GetInvite(context.Context, string) (store.Invite, error)
	MarkInviteRedeemed(context.Context, string) error
}

type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   SessionStore
	accounts   *account.Service
	scheduler  *schedule.Scheduler
	ranker     *ranking.Recalculator
	hub        *push.Hub
	tokenCache gcache.Cache
	log        *logrus.Entry
}

func New(cfg config.Config, st dataStore, sessions SessionStore, scheduler *schedule.Scheduler, ranker *ranking.Recalculator, hub *push.Hub) (*Service, error) {
	if st == nil || sessions == nil {
		return nil, errors.New("app: data and session stores are required")
	}
	if scheduler == nil || ranker == nil || hub == nil {
		return nil, errors.New("app: scheduler, recalculator and hub are required")
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		accounts:   account.NewService(st),
		scheduler:  scheduler,
		ranker:     ranker,
		hub:        hub,
		tokenCache: gcache.New(tokenCacheSize).LRU().Build(),
		log:        logrus.WithField("component", "app"),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats() Stats {
	return Stats{
		Scheduler: s.scheduler.Stats(),
		Ranking:   s.ranker.Stats(),
		Push:      s.hub.Stats(),
	}
}

// --- sessions ---

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, email, password, displayName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	partial, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	user, err := s.store.GetUserByID(ctx, partial.ID)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	// Rotate: the presented refresh token is single-use.
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		s.log.WithError(err).Warn("revoke rotated refresh token")
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// --- permission resolution, step 1: classify the credential ---

// Authenticate turns a raw bearer value into a pre-board access context.
// A controller-style bearer that fails validation resolves to none and never
// falls through to session checking; the reason is only logged, since
// expired, revoked and unknown tokens are deliberately indistinguishable to
// the client.
func (s *Service) Authenticate(ctx context.Context, bearer string) access.Context {
	if strings.HasPrefix(bearer, auth.ControllerTokenPrefix) {
		token, err := s.lookupControllerToken(ctx, bearer)
		if err != nil {
			s.log.WithError(err).Debug("controller token rejected")
			return access.Denied()
		}
		go s.touchToken(token.ID)
		return access.ForToken(token)
	}
	if bearer != "" {
		claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), bearer)
		if err == nil {
			return access.ForSession(claims.Sub)
		}
	}
	return access.Anonymous()
}

func (s *Service) lookupControllerToken(ctx context.Context, bearer string) (store.ControllerToken, error) {
	hash := auth.HashToken(bearer)
	if cached, err := s.tokenCache.Get(hash); err == nil {
		return cached.(store.ControllerToken), nil
	}
	token, err := s.store.GetControllerTokenByHash(ctx, hash)
	if err != nil {
		return store.ControllerToken{}, err
	}
	// Never cache past the token's own expiry, or an expiring token would
	// keep authenticating for the remainder of the cache window.
	ttl := s.cfg.TokenCacheTTL
	if token.ExpiresAt != nil {
		if remaining := time.Until(*token.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		_ = s.tokenCache.SetWithExpire(hash, token, ttl)
	}
	return token, nil
}

func (s *Service) touchToken(tokenID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.TouchControllerToken(ctx, tokenID); err != nil {
		s.log.WithError(err).Debug("update token last_used_at")
	}
}

// --- boards ---

func (s *Service) CreateBoard(ctx context.Context, ownerID, name string) (store.Board, error) {
	board := store.Board{
		ID:       util.NewID("brd"),
		Name:     name,
		TimeMode: store.TimeModeAuto,
	}
	if ownerID != "" {
		board.AccountID = &ownerID
	}
	if err := s.store.CreateBoard(ctx, board); err != nil {
		return store.Board{}, err
	}
	return board, nil
}

func (s *Service) Board(ctx context.Context, boardID string) (store.Board, error) {
	return s.store.GetBoard(ctx, boardID)
}

func (s *Service) Snapshot(ctx context.Context, boardID string) (BoardSnapshot, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	horses, err := s.store.ListHorses(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	feeds, err := s.store.ListFeeds(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	diet, err := s.store.ListDietEntries(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	return BoardSnapshot{Board: board, Horses: horses, Feeds: feeds, Diet: diet}, nil
}

func (s *Service) RenameBoard(ctx context.Context, boardID, name string) error {
	if strings.TrimSpace(name) == "" {
		return domainError(http.StatusBadRequest, "INVALID_NAME", "Board name must not be empty", nil)
	}
	if err := s.store.UpdateBoardName(ctx, boardID, name); err != nil {
		return err
	}
	s.notifyChanged(boardID, "board")
	return nil
}

// SetTimeMode applies a manual AM/PM override or returns the board to AUTO.
// A dated override registers an expiry record; AUTO and undated overrides
// cancel any pending one.
func (s *Service) SetTimeMode(ctx context.Context, boardID, mode string, until *time.Time) (store.Board, error) {
	timeMode, ok := store.NormalizeTimeMode(mode)
	if !ok {
		return store.Board{}, domainError(http.StatusBadRequest, "INVALID_TIME_MODE", "Time mode must be AUTO, AM or PM", nil)
	}
	if timeMode == store.TimeModeAuto {
		until = nil
	}
	if until != nil && !until.After(time.Now()) {
		return store.Board{}, domainError(http.StatusBadRequest, "INVALID_OVERRIDE", "Override expiry must be in the future", nil)
	}

	if err := s.store.SetBoardTimeMode(ctx, boardID, timeMode, until); err != nil {
		return store.Board{}, err
	}

	if timeMode != store.TimeModeAuto && until != nil {
		s.scheduler.Schedule(schedule.Record{ID: boardID, BoardID: boardID, Kind: schedule.KindOverride, ExpiresAt: *until})
	} else {
		s.scheduler.Cancel(boardID, schedule.KindOverride)
	}
	s.notifyChanged(boardID, "time_mode")
	return s.store.GetBoard(ctx, boardID)
}

// --- horses ---

func (s *Service) CreateHorse(ctx context.Context, boardID, name string, position int) (store.Horse, error) {
	if strings.TrimSpace(name) == "" {
		return store.Horse{}, domainError(http.StatusBadRequest, "INVALID_NAME", "Horse name must not be empty", nil)
	}
	horse := store.Horse{
		ID:       util.NewID("hrs"),
		BoardID:  boardID,
		Name:     name,
		Position: position,
	}
	if err := s.store.CreateHorse(ctx, horse); err != nil {
		return store.Horse{}, err
	}
	s.notifyChanged(boardID, "horses")
	return horse, nil
}

func (s *Service) UpdateHorse(ctx context.Context, horseID string, input UpdateHorseInput) (store.Horse, error) {
	horse, err := s.store.GetHorse(ctx, horseID)
	if err != nil {
		return store.Horse{}, err
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return store.Horse{}, domainError(http.StatusBadRequest, "INVALID_NAME", "Horse name must not be empty", nil)
		}
		horse.Name = *input.Name
	}
	if input.Position != nil {
		horse.Position = *input.Position
	}
	if input.Note != nil {
		horse.Note = *input.Note
		horse.NoteExpiry = input.NoteExpiry
		if horse.Note == "" {
			horse.NoteExpiry = nil
		}
		if horse.NoteExpiry != nil && !horse.NoteExpiry.After(time.Now()) {
			return store.Horse{}, domainError(http.StatusBadRequest, "INVALID_NOTE_EXPIRY", "Note expiry must be in the future", nil)
		}
	}

	if err := s.store.UpdateHorse(ctx, horse); err != nil {
		return store.Horse{}, err
	}

	if horse.NoteExpiry != nil {
		s.scheduler.Schedule(schedule.Record{ID: horse.ID, BoardID: horse.BoardID, Kind: schedule.KindNote, ExpiresAt: *horse.NoteExpiry})
	} else {
		s.scheduler.Cancel(horse.ID, schedule.KindNote)
	}
	s.notifyChanged(horse.BoardID, "horses")
	return horse, nil
}

func (s *Service) DeleteHorse(ctx context.Context, horseID string) error {
	horse, err := s.store.GetHorse(ctx, horseID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteHorse(ctx, horseID); err != nil {
		return err
	}
	s.scheduler.Cancel(horseID, schedule.KindNote)
	// The horse's diet rows cascade away, so usage counts shift.
	s.ranker.Schedule(horse.BoardID)
	s.notifyChanged(horse.BoardID, "horses")
	return nil
}

// HorseBoard resolves the board a horse belongs to, for permission scoping.
func (s *Service) HorseBoard(ctx context.Context, horseID string) (string, error) {
	horse, err := s.store.GetHorse(ctx, horseID)
	if err != nil {
		return "", err
	}
	return horse.BoardID, nil
}

// --- feeds and diet ---

func (s *Service) CreateFeed(ctx context.Context, boardID, name string) (store.Feed, error) {
	if strings.TrimSpace(name) == "" {
		return store.Feed{}, domainError(http.StatusBadRequest, "INVALID_NAME", "Feed name must not be empty", nil)
	}
	feed := store.Feed{
		ID:      util.NewID("fd"),
		BoardID: boardID,
		Name:    name,
	}
	if err := s.store.CreateFeed(ctx, feed); err != nil {
		return store.Feed{}, err
	}
	s.notifyChanged(boardID, "feeds")
	return feed, nil
}

// ListFeeds returns the board's feeds most-used first.
func (s *Service) ListFeeds(ctx context.Context, boardID string) ([]store.Feed, error) {
	return s.store.ListFeeds(ctx, boardID)
}

func (s *Service) DeleteFeed(ctx context.Context, feedID string) error {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	s.ranker.Schedule(feed.BoardID)
	s.notifyChanged(feed.BoardID, "feeds")
	return nil
}

func (s *Service) FeedBoard(ctx context.Context, feedID string) (string, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return "", err
	}
	return feed.BoardID, nil
}

// UpsertDiet sets a horse's AM/PM amounts for one feed and schedules a
// debounced rank recalculation for the board.
func (s *Service) UpsertDiet(ctx context.Context, horseID, feedID string, am, pm float64) error {
	if am < 0 || pm < 0 {
		return domainError(http.StatusBadRequest, "INVALID_AMOUNT", "Amounts must not be negative", nil)
	}
	horse, err := s.store.GetHorse(ctx, horseID)
	if err != nil {
		return err
	}
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if feed.BoardID != horse.BoardID {
		return domainError(http.StatusBadRequest, "BOARD_MISMATCH", "Horse and feed belong to different boards", nil)
	}

	entry := store.DietEntry{
		BoardID:  horse.BoardID,
		HorseID:  horseID,
		FeedID:   feedID,
		AmAmount: am,
		PmAmount: pm,
	}
	if err := s.store.UpsertDietEntry(ctx, entry); err != nil {
		return err
	}
	s.ranker.Schedule(horse.BoardID)
	s.notifyChanged(horse.BoardID, "diet")
	return nil
}

func (s *Service) DeleteDiet(ctx context.Context, horseID, feedID string) error {
	horse, err := s.store.GetHorse(ctx, horseID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDietEntry(ctx, horseID, feedID); err != nil {
		return err
	}
	s.ranker.Schedule(horse.BoardID)
	s.notifyChanged(horse.BoardID, "diet")
	return nil
}

// RecalculateRanks bypasses the debounce for explicit recalculation
// requests, returning the number of feeds ranked.
func (s *Service) RecalculateRanks(ctx context.Context, boardID string) (int, error) {
	return s.ranker.RecalculateNow(ctx, boardID)
}

// --- controller tokens and invites ---

type IssuedToken struct {
	Token store.ControllerToken
	// Raw is returned exactly once at issue time; only its hash persists.
	Raw string
}

func (s *Service) IssueControllerToken(ctx context.Context, boardID, permission string, expiresAt *time.Time) (IssuedToken, error) {
	level := access.ParseLevel(permission)
	if level == access.LevelNone {
		return IssuedToken{}, domainError(http.StatusBadRequest, "INVALID_PERMISSION", "Permission must be view, edit or admin", nil)
	}
	raw := auth.NewControllerTokenValue()
	token := store.ControllerToken{
		ID:         util.NewID("tok"),
		BoardID:    boardID,
		TokenHash:  auth.HashToken(raw),
		Permission: level.String(),
		ExpiresAt:  expiresAt,
	}
	if err := s.store.CreateControllerToken(ctx, token); err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: token, Raw: raw}, nil
}

func (s *Service) ListControllerTokens(ctx context.Context, boardID string) ([]store.ControllerToken, error) {
	return s.store.ListControllerTokens(ctx, boardID)
}

func (s *Service) RevokeControllerToken(ctx context.Context, tokenID string) error {
	// The read cache may serve the revoked token for up to its TTL.
	return s.store.RevokeControllerToken(ctx, tokenID)
}

func (s *Service) TokenBoard(ctx context.Context, boardID, tokenID string) (bool, error) {
	tokens, err := s.store.ListControllerTokens(ctx, boardID)
	if err != nil {
		return false, err
	}
	for _, t := range tokens {
		if t.ID == tokenID {
			return true, nil
		}
	}
	return false, nil
}

// CreateInvite mints a human-typable pairing code. Collisions retry with a
// fresh code up to a bounded attempt count instead of recursing forever.
func (s *Service) CreateInvite(ctx context.Context, boardID, permission string, ttl time.Duration) (store.Invite, error) {
	level := access.ParseLevel(permission)
	if level == access.LevelNone {
		return store.Invite{}, domainError(http.StatusBadRequest, "INVALID_PERMISSION", "Permission must be view, edit or admin", nil)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		invite := store.Invite{
			Code:       newInviteCode(),
			BoardID:    boardID,
			Permission: level.String(),
			ExpiresAt:  time.Now().Add(ttl),
		}
		err := s.store.CreateInvite(ctx, invite)
		if err == nil {
			return invite, nil
		}
		if !errors.Is(err, store.ErrCodeTaken) {
			return store.Invite{}, err
		}
	}
	return store.Invite{}, fmt.Errorf("could not allocate a unique pairing code after %d attempts", maxInviteAttempts)
}

// RedeemInvite exchanges a pairing code for a controller token bound to the
// invite's board.
func (s *Service) RedeemInvite(ctx context.Context, code string) (IssuedToken, error) {
	invite, err := s.store.GetInvite(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssuedToken{}, domainError(http.StatusNotFound, "INVALID_CODE", "Unknown pairing code", nil)
		}
		return IssuedToken{}, err
	}
	if invite.RedeemedAt != nil {
		return IssuedToken{}, domainError(http.StatusGone, "CODE_USED", "Pairing code already redeemed", nil)
	}
	if time.Now().After(invite.ExpiresAt) {
		return IssuedToken{}, domainError(http.StatusGone, "CODE_EXPIRED", "Pairing code expired", nil)
	}

	issued, err := s.IssueControllerToken(ctx, invite.BoardID, invite.Permission, nil)
	if err != nil {
		return IssuedToken{}, err
	}
	if err := s.store.MarkInviteRedeemed(ctx, invite.Code); err != nil {
		return IssuedToken{}, err
	}
	return issued, nil
}

func newInviteCode() string {
	bytes := make([]byte, inviteCodeLength)
	_, _ = rand.Read(bytes)
	code := make([]byte, inviteCodeLength)
	for i, b := range bytes {
		code[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(code)
}

// --- push ---

// Subscribe registers a push stream for a board. The caller is expected to
// have sent a full snapshot before the stream goes live.
func (s *Service) Subscribe(ctx context.Context, boardID string, stream push.Stream) {
	s.hub.Add(ctx, boardID, stream)
}

func (s *Service) notifyChanged(boardID, cause string) {
	s.hub.Broadcast(boardID, push.StateChanged(boardID, cause))
}

// --- export ---

// RenderFeedingPlanPDF turns a plan into a downloadable PDF via headless
// Chrome. It fails with export.ErrPDFDependencyMissing when no browser is
// installed.
func (s *Service) RenderFeedingPlanPDF(ctx context.Context, plan export.Plan) (*export.Result, error) {
	return export.FeedingPlanPDF(plan)
}

func (s *Service) FeedingPlan(ctx context.Context, boardID string) (export.Plan, error) {
	snapshot, err := s.Snapshot(ctx, boardID)
	if err != nil {
		return export.Plan{}, err
	}

	amounts := make(map[string]map[string]store.DietEntry, len(snapshot.Horses))
	for _, entry := range snapshot.Diet {
		if amounts[entry.HorseID] == nil {
			amounts[entry.HorseID] = make(map[string]store.DietEntry)
		}
		amounts[entry.HorseID][entry.FeedID] = entry
	}

	plan := export.Plan{
		BoardName:   snapshot.Board.Name,
		TimeMode:    string(snapshot.Board.TimeMode),
		GeneratedAt: time.Now(),
	}
	for _, feed := range snapshot.Feeds {
		plan.Feeds = append(plan.Feeds, feed.Name)
	}
	for _, horse := range snapshot.Horses {
		row := export.PlanHorse{Name: horse.Name, Note: horse.Note}
		for _, feed := range snapshot.Feeds {
			entry := amounts[horse.ID][feed.ID]
			row.Amounts = append(row.Amounts, export.Amount{AM: entry.AmAmount, PM: entry.PmAmount})
		}
		plan.Horses = append(plan.Horses, row)
	}
	return plan, nil
}
