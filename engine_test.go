package authcore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelsec/authcore/crypto"
	"github.com/kestrelsec/authcore/internal/rate"
	"github.com/kestrelsec/authcore/notify"
	"github.com/kestrelsec/authcore/session"
)

const (
	testAddr      = "203.0.113.7"
	testOtherAddr = "198.51.100.23"
	testClient    = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

	testIdentifier = "kim"
	testEmail      = "kim@example.com"
	testPassword   = "Horse#Battery9Staple"
)

/*
====================================
FAKES
====================================
*/

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*session.Session)}
}

func (s *memSessionStore) clone(sess *session.Session) *session.Session {
	out := *sess
	return &out
}

func (s *memSessionStore) Insert(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = s.clone(sess)
	return nil
}

func (s *memSessionStore) Get(_ context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.clone(sess), nil
}

func (s *memSessionStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Revoked {
		return session.ErrNotFound
	}
	sess.LastAccessAt = at
	return nil
}

func (s *memSessionStore) Revoke(_ context.Context, sessionID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.Revoked {
		return session.ErrRevoked
	}
	sess.Revoked = true
	sess.RevokedAt = at
	sess.RevokedReason = reason
	return nil
}

func (s *memSessionStore) RevokeAllForPrincipal(_ context.Context, principalID, exceptID, reason string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.PrincipalID != principalID || sess.Revoked || id == exceptID {
			continue
		}
		sess.Revoked = true
		sess.RevokedAt = at
		sess.RevokedReason = reason
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memSessionStore) ListActiveByPrincipal(_ context.Context, principalID string) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.PrincipalID == principalID && !sess.Revoked && sess.ExpiresAt.After(time.Now()) {
			out = append(out, s.clone(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessAt.Before(out[j].LastAccessAt) })
	return out, nil
}

func (s *memSessionStore) ReapExpired(_ context.Context, now time.Time, idleTimeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.Revoked {
			continue
		}
		if sess.ExpiresAt.Before(now) || sess.LastAccessAt.Add(idleTimeout).Before(now) {
			sess.Revoked = true
			sess.RevokedAt = now
			sess.RevokedReason = session.ReasonExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memSessionStore) reason(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.RevokedReason
	}
	return ""
}

type memChallengeStore struct {
	mu         sync.Mutex
	challenges []Challenge
}

func (s *memChallengeStore) Create(_ context.Context, ch Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.challenges {
		existing := &s.challenges[i]
		if existing.Email == ch.Email && existing.Kind == ch.Kind && existing.ConsumedAt.IsZero() {
			existing.ConsumedAt = time.Now()
		}
	}
	s.challenges = append(s.challenges, ch)
	return nil
}

func (s *memChallengeStore) Consume(_ context.Context, tokenHash []byte, kind ChallengeKind) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.challenges {
		ch := &s.challenges[i]
		if ch.Kind != kind || string(ch.TokenHash) != string(tokenHash) {
			continue
		}
		if !ch.ConsumedAt.IsZero() || ch.ExpiresAt.Before(now) {
			break
		}
		ch.ConsumedAt = now
		return *ch, nil
	}
	return Challenge{}, errors.New("challenge not found")
}

func (s *memChallengeStore) InvalidateAllForEmail(_ context.Context, email string, kind ChallengeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.challenges {
		ch := &s.challenges[i]
		if ch.Email == email && ch.Kind == kind && ch.ConsumedAt.IsZero() {
			ch.ConsumedAt = time.Now()
		}
	}
	return nil
}

func (s *memChallengeStore) open(kind ChallengeKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.challenges {
		if ch.Kind == kind && ch.ConsumedAt.IsZero() {
			n++
		}
	}
	return n
}

type memViolationStore struct {
	mu      sync.Mutex
	records []ViolationRecord
}

func (s *memViolationStore) Record(_ context.Context, v ViolationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, v)
	return nil
}

func (s *memViolationStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memProvider struct {
	mu      sync.Mutex
	records map[string]PrincipalRecord
}

func newMemProvider() *memProvider {
	return &memProvider{records: make(map[string]PrincipalRecord)}
}

func (p *memProvider) add(rec PrincipalRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.PrincipalID] = rec
}

func (p *memProvider) GetByIdentifier(_ context.Context, identifier string) (PrincipalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.Email == identifier || strings.SplitN(rec.Email, "@", 2)[0] == identifier {
			return rec, nil
		}
	}
	return PrincipalRecord{}, errors.New("principal not found")
}

func (p *memProvider) GetByID(_ context.Context, principalID string) (PrincipalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[principalID]
	if !ok {
		return PrincipalRecord{}, errors.New("principal not found")
	}
	return rec, nil
}

func (p *memProvider) GetByEmail(_ context.Context, email string) (PrincipalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.Email == email {
			return rec, nil
		}
	}
	return PrincipalRecord{}, errors.New("principal not found")
}

func (p *memProvider) UpdatePasswordHash(_ context.Context, principalID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[principalID]
	if !ok {
		return errors.New("principal not found")
	}
	rec.PasswordHash = newHash
	p.records[principalID] = rec
	return nil
}

func (p *memProvider) UpdateStatus(_ context.Context, principalID string, status PrincipalStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[principalID]
	if !ok {
		return errors.New("principal not found")
	}
	rec.Status = status
	p.records[principalID] = rec
	return nil
}

func (p *memProvider) status(principalID string) PrincipalStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[principalID].Status
}

type captureNotifier struct {
	events chan notify.Event
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{events: make(chan notify.Event, 16)}
}

func (n *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.events <- ev
	return nil
}

func (n *captureNotifier) wait(t *testing.T, kind string) notify.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-n.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q notification arrived", kind)
		}
	}
}

/*
====================================
HARNESS
====================================
*/

type fixture struct {
	engine     *Engine
	sessions   *memSessionStore
	challenges *memChallengeStore
	violations *memViolationStore
	provider   *memProvider
	notifier   *captureNotifier
	redis      *miniredis.Miniredis
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.AccessSecret = []byte("access-signing-material-0123456789ab")
	cfg.Token.RefreshSecret = []byte("refresh-signing-material-0123456789a")
	cfg.Session.MetadataKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Cost = 10
	cfg.Password.MinVerifyLatency = 0
	return cfg
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hasher, err := crypto.NewHasher(10, 0)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{
		sessions:   newMemSessionStore(),
		challenges: &memChallengeStore{},
		violations: &memViolationStore{},
		provider:   newMemProvider(),
		notifier:   newCaptureNotifier(),
		redis:      mr,
	}

	f.provider.add(PrincipalRecord{
		PrincipalID:  "p-1",
		TenantID:     "t-1",
		Email:        testEmail,
		PasswordHash: hashPassword(t, testPassword),
		Status:       PrincipalActive,
		Role:         "member",
		Permissions:  []string{"read", "write"},
	})

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithDurableSessionStore(f.sessions).
		WithChallengeStore(f.challenges).
		WithViolationStore(f.violations).
		WithPrincipalProvider(f.provider).
		WithNotifier(f.notifier).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	f.engine = engine
	return f
}

func clientContext(addr string) context.Context {
	ctx := WithClientAddr(context.Background(), addr)
	return WithClientString(ctx, testClient)
}

/*
====================================
AUTHENTICATION
====================================
*/

func TestAuthenticateIssuesSessionBoundPair(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatal("incomplete token pair")
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatal("refresh token should outlive access token")
	}

	principal, err := f.engine.ValidateBearer(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if principal.PrincipalID != "p-1" || principal.TenantID != "t-1" {
		t.Fatalf("wrong principal context: %+v", principal)
	}
	if principal.SessionID != pair.SessionID {
		t.Fatal("principal context carries a different session")
	}
	if len(principal.Permissions) != 2 {
		t.Fatalf("permissions not carried: %v", principal.Permissions)
	}
}

func TestAuthenticateRejectsBadCredentialsUniformly(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, "nobody", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown identifier: got %v", err)
	}
}

func TestAuthenticateRejectsInactiveAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	for _, status := range []PrincipalStatus{PrincipalPendingVerification, PrincipalDisabled, PrincipalDeleted} {
		if err := f.provider.UpdateStatus(context.Background(), "p-1", status); err != nil {
			t.Fatal(err)
		}
		if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); !errors.Is(err, ErrAccountInactive) {
			t.Fatalf("status %d: got %v", status, err)
		}
	}
}

func TestRepeatedFailuresRevokeExistingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); err == nil {
		t.Fatal("session should have been revoked after the failure threshold")
	}
	if reason := f.sessions.reason(pair.SessionID); reason != session.ReasonAnomaly {
		t.Fatalf("revoke reason = %q", reason)
	}
}

func TestValidateCutsOffDeactivatedPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate before deactivation: %v", err)
	}

	if err := f.provider.UpdateStatus(context.Background(), "p-1", PrincipalDisabled); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("disabled account: got %v", err)
	}
	if reason := f.sessions.reason(pair.SessionID); reason != session.ReasonAdminRevoked {
		t.Fatalf("revoke reason = %q", reason)
	}

	// Re-enabling the account does not revive the revoked session.
	if err := f.provider.UpdateStatus(context.Background(), "p-1", PrincipalActive); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("after reactivation: got %v", err)
	}
}

/*
====================================
BINDING
====================================
*/

func TestValidateFromWrongDeviceRevokesSession(t *testing.T) {
	f := newFixture(t)

	pair, err := f.engine.Authenticate(clientContext(testAddr), testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := f.engine.ValidateBearer(clientContext(testOtherAddr), pair.AccessToken); !errors.Is(err, ErrTokenBindingMismatch) {
		t.Fatalf("stolen token: got %v", err)
	}

	// The original device loses the session too; a replayed token is
	// evidence the whole session is compromised.
	if _, err := f.engine.ValidateBearer(clientContext(testAddr), pair.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("original device after replay: got %v", err)
	}
	if reason := f.sessions.reason(pair.SessionID); reason != session.ReasonBindingMiss {
		t.Fatalf("revoke reason = %q", reason)
	}
}

/*
====================================
LOGOUT
====================================
*/

func TestLogoutBlacklistsTokenAndRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := f.engine.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("after logout: got %v", err)
	}
	if err := f.engine.Logout(ctx, pair.AccessToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("double logout: got %v", err)
	}
	if reason := f.sessions.reason(pair.SessionID); reason != session.ReasonLogout {
		t.Fatalf("revoke reason = %q", reason)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	var pairs []TokenPair
	for i := 0; i < 3; i++ {
		pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
		if err != nil {
			t.Fatalf("authenticate %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}

	n, err := f.engine.LogoutAll(ctx, pairs[2].AccessToken)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked %d sessions, want 3", n)
	}

	for i, pair := range pairs {
		if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); err == nil {
			t.Fatalf("session %d survived logout-all", i)
		}
	}
}

/*
====================================
REFRESH
====================================
*/

func TestRefreshRotatesPairAndRetiresOldToken(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	rotated, err := f.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.AccessToken == pair.AccessToken || rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation reused a token")
	}
	if rotated.SessionID != pair.SessionID {
		t.Fatal("rotation moved to a different session")
	}

	if _, err := f.engine.ValidateBearer(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated access token: %v", err)
	}
	if _, err := f.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("replayed refresh token: got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := f.engine.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token as refresh: got %v", err)
	}
}

/*
====================================
PASSWORD CHANGE
====================================
*/

func TestChangePasswordRevokesSiblingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	other, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate other: %v", err)
	}
	current, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate current: %v", err)
	}

	const newPassword = "Correct#Horse7Tango"

	if err := f.engine.ChangePassword(ctx, current.AccessToken, "Wrong#Password9Attempt", newPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: got %v", err)
	}
	if err := f.engine.ChangePassword(ctx, current.AccessToken, testPassword, testPassword); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("reused password: got %v", err)
	}
	if err := f.engine.ChangePassword(ctx, current.AccessToken, testPassword, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak password: got %v", err)
	}

	if err := f.engine.ChangePassword(ctx, current.AccessToken, testPassword, newPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := f.engine.ValidateBearer(ctx, current.AccessToken); err != nil {
		t.Fatalf("current session should survive: %v", err)
	}
	if _, err := f.engine.ValidateBearer(ctx, other.AccessToken); err == nil {
		t.Fatal("sibling session should be revoked")
	}
	if reason := f.sessions.reason(other.SessionID); reason != session.ReasonCredentials {
		t.Fatalf("revoke reason = %q", reason)
	}

	if _, err := f.engine.Authenticate(ctx, testIdentifier, newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	ev := f.notifier.wait(t, notify.KindPasswordChanged)
	if ev.Email != testEmail {
		t.Fatalf("notification for %q", ev.Email)
	}
}

/*
====================================
PASSWORD RESET
====================================
*/

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := f.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	ev := f.notifier.wait(t, notify.KindPasswordReset)
	if ev.Token == "" {
		t.Fatal("notification carries no token")
	}

	const newPassword = "Correct#Horse7Tango"
	if err := f.engine.RedeemPasswordReset(ctx, ev.Token, newPassword); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// Redemption is single use and revokes every session.
	if err := f.engine.RedeemPasswordReset(ctx, ev.Token, newPassword); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("replayed reset token: got %v", err)
	}
	if _, err := f.engine.ValidateBearer(ctx, pair.AccessToken); err == nil {
		t.Fatal("sessions should be revoked after a reset")
	}

	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, testIdentifier, newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestPasswordResetRequestSupersedesOutstandingToken(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if err := f.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("first request: %v", err)
	}
	first := f.notifier.wait(t, notify.KindPasswordReset)

	if err := f.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("second request: %v", err)
	}
	second := f.notifier.wait(t, notify.KindPasswordReset)

	if err := f.engine.RedeemPasswordReset(ctx, first.Token, "Correct#Horse7Tango"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("superseded token: got %v", err)
	}
	if err := f.engine.RedeemPasswordReset(ctx, second.Token, "Correct#Horse7Tango"); err != nil {
		t.Fatalf("latest token: %v", err)
	}
}

func TestPasswordResetHidesUnknownAddresses(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if err := f.engine.RequestPasswordReset(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("unknown address must not error: %v", err)
	}

	if n := f.challenges.open(ChallengePasswordReset); n != 0 {
		t.Fatalf("%d challenges created for unknown address", n)
	}
	select {
	case ev := <-f.notifier.events:
		t.Fatalf("unexpected notification: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPasswordResetRejectsWeakReplacement(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if err := f.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	ev := f.notifier.wait(t, notify.KindPasswordReset)

	if err := f.engine.RedeemPasswordReset(ctx, ev.Token, "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak replacement: got %v", err)
	}
}

/*
====================================
EMAIL VERIFICATION
====================================
*/

func TestEmailVerificationActivatesPendingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if err := f.provider.UpdateStatus(context.Background(), "p-1", PrincipalPendingVerification); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("pending login: got %v", err)
	}

	if err := f.engine.RequestEmailVerification(ctx, testEmail); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	ev := f.notifier.wait(t, notify.KindEmailVerification)

	if err := f.engine.RedeemEmailVerification(ctx, ev.Token); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if status := f.provider.status("p-1"); status != PrincipalActive {
		t.Fatalf("status = %d after verification", status)
	}
	if err := f.engine.RedeemEmailVerification(ctx, ev.Token); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("replayed verification token: got %v", err)
	}

	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); err != nil {
		t.Fatalf("login after verification: %v", err)
	}
}

func TestEmailVerificationSkipsActiveAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	if err := f.engine.RequestEmailVerification(ctx, testEmail); err != nil {
		t.Fatalf("active account must not error: %v", err)
	}
	if n := f.challenges.open(ChallengeEmailVerification); n != 0 {
		t.Fatalf("%d challenges created for active account", n)
	}
}

/*
====================================
RATE LIMITING
====================================
*/

func TestLoginBudgetExhaustionEscalates(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimit.DelayThreshold = 1
		cfg.RateLimit.TempBlockThreshold = 3
		cfg.RateLimit.PermBlockThreshold = 5
		cfg.RateLimit.MaxDelay = time.Millisecond
	})
	ctx := clientContext(testAddr)

	// Burn the window budget with bad credentials.
	for i := 0; i < 5; i++ {
		if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	// Overflow: each attempt is refused and recorded as a violation.
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("overflow %d: got %v", i, err)
		}
	}

	// Three violations crossed the temp-block threshold; even good
	// credentials are refused now.
	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); !errors.Is(err, ErrTemporarilyBlocked) {
		t.Fatalf("blocked address: got %v", err)
	}

	if f.violations.count() == 0 {
		t.Fatal("no violations reached the audit trail")
	}
}

func TestSuccessfulLoginResetsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := clientContext(testAddr)

	for i := 0; i < 4; i++ {
		if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
		// Stay under the anomaly failure threshold.
		if i == 2 {
			if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); err != nil {
				t.Fatalf("recovery login: %v", err)
			}
		}
	}

	// Counter was reset mid-burst, so budget remains.
	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); err != nil {
		t.Fatalf("post-burst login: %v", err)
	}
}

func TestRateLimitDecisionForCustomPolicy(t *testing.T) {
	policies := map[string]rate.Policy{
		"ping": {Name: "ping", Window: time.Minute, Max: 2},
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		sessions: newMemSessionStore(),
		provider: newMemProvider(),
	}
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(client).
		WithDurableSessionStore(f.sessions).
		WithPrincipalProvider(f.provider).
		WithRateLimitPolicies(policies).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	ctx := clientContext(testAddr)
	for i := 1; i <= 2; i++ {
		decision, err := engine.RateLimit(ctx, "ping", "caller-9")
		if err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
		if !decision.Allowed || decision.Count != int64(i) || decision.Limit != 2 {
			t.Fatalf("charge %d: %+v", i, decision)
		}
	}

	decision, err := engine.RateLimit(ctx, "ping", "caller-9")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("overflow: got %v", err)
	}
	if decision.Allowed || !decision.Escalated || decision.RetryIn <= 0 {
		t.Fatalf("overflow decision: %+v", decision)
	}

	if _, err := engine.RateLimit(ctx, "unregistered", "caller-9"); err == nil {
		t.Fatal("unknown policy must fail closed")
	}
}

func TestRateLimitDisabledAllowsEverything(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimit.Enabled = false
	})
	ctx := clientContext(testAddr)

	for i := 0; i < 20; i++ {
		decision, err := f.engine.RateLimit(ctx, rate.PolicyLogin, "anyone")
		if err != nil || !decision.Allowed {
			t.Fatalf("charge %d: %+v %v", i, decision, err)
		}
	}
}

/*
====================================
OBSERVABILITY
====================================
*/

func TestMetricsCountLogins(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Metrics.Enabled = true
	})
	ctx := clientContext(testAddr)

	if _, err := f.engine.Authenticate(ctx, testIdentifier, testPassword); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, testIdentifier, "Wrong#Password9Attempt"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad attempt: got %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("login success counter = %d", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricLoginFailure] != 1 {
		t.Fatalf("login failure counter = %d", snap.Counters[MetricLoginFailure])
	}
	if snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("session created counter = %d", snap.Counters[MetricSessionCreated])
	}
}

func TestMetricsCountCapEvictions(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Session.MaxPerPrincipal = 2
		cfg.Metrics.Enabled = true
	})
	ctx := clientContext(testAddr)

	var first TokenPair
	for i := 0; i < 3; i++ {
		pair, err := f.engine.Authenticate(ctx, testIdentifier, testPassword)
		if err != nil {
			t.Fatalf("authenticate %d: %v", i, err)
		}
		if i == 0 {
			first = pair
		}
		time.Sleep(2 * time.Millisecond)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricSessionEvicted] != 1 {
		t.Fatalf("eviction counter = %d", snap.Counters[MetricSessionEvicted])
	}
	if reason := f.sessions.reason(first.SessionID); reason != session.ReasonEvicted {
		t.Fatalf("revoke reason = %q", reason)
	}
}

func TestAuditTrailRecordsLogins(t *testing.T) {
	sink := NewChannelSink(64)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := newMemSessionStore()
	provider := newMemProvider()
	provider.add(PrincipalRecord{
		PrincipalID:  "p-1",
		TenantID:     "t-1",
		Email:        testEmail,
		PasswordHash: hashPassword(t, testPassword),
		Status:       PrincipalActive,
	})

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(client).
		WithDurableSessionStore(sessions).
		WithPrincipalProvider(provider).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	ctx := clientContext(testAddr)
	if _, err := engine.Authenticate(ctx, testIdentifier, testPassword); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	select {
	case ev := <-sink.Events():
		if ev.EventType != "login" || !ev.Success || ev.PrincipalID != "p-1" || ev.Address != testAddr {
			t.Fatalf("unexpected audit event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event arrived")
	}
}
