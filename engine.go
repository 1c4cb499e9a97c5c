package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsec/authcore/crypto"
	"github.com/kestrelsec/authcore/internal/rate"
	"github.com/kestrelsec/authcore/notify"
	"github.com/kestrelsec/authcore/session"
	"github.com/kestrelsec/authcore/token"
)

// Engine is the authentication and session security core. Build one through
// [Builder]; all methods are safe for concurrent use afterwards.
type Engine struct {
	config     Config
	log        zerolog.Logger
	hasher     *crypto.Hasher
	tokens     *token.Manager
	sessions   *session.Manager
	limiter    *rate.Limiter
	escalator  *rate.Escalator
	challenges ChallengeStore
	violations ViolationAuditStore
	notifier   notify.Notifier
	provider   PrincipalProvider
	audit      *auditDispatcher
	metrics    *Metrics

	sweepCancel context.CancelFunc
	closeOnce   sync.Once
}

// Close stops the background sweep and flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.sweepCancel != nil {
			e.sweepCancel()
		}
		e.sessions.Close()
		e.audit.Close()
	})
}

// MetricsSnapshot returns the current counter values.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events the dispatcher had to drop.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

/*
====================================
AUTHENTICATE
====================================
*/

// Authenticate verifies credentials, registers a session bound to the
// caller's device, and issues an access/refresh token pair.
//
// Credential failures are indistinguishable to the caller and cost at least
// the configured verification floor regardless of whether the account
// exists.
func (e *Engine) Authenticate(ctx context.Context, identifier, password string) (TokenPair, error) {
	if e == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	client := clientStringFromContext(ctx)

	if err := e.gate(ctx, rate.PolicyLogin, e.abuseKey(identifier, addr), addr); err != nil {
		e.metricInc(MetricLoginRateLimited)
		return TokenPair{}, err
	}

	rec, lookupErr := e.provider.GetByIdentifier(ctx, identifier)
	if lookupErr != nil {
		// Burn a compare anyway so misses cost the same as mismatches.
		e.hasher.Verify(password, "")
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, nil)
		e.metricInc(MetricLoginFailure)
		return TokenPair{}, ErrInvalidCredentials
	}

	if !e.hasher.Verify(password, rec.PasswordHash) {
		if e.sessions.RecordAuthFailure(ctx, rec.PrincipalID) {
			e.metricInc(MetricAnomalyDetected)
			e.emitAudit(ctx, auditEventAnomaly, false, rec.PrincipalID, rec.TenantID, "", nil, map[string]string{"cause": "auth_failures"})
			e.notifyAsync(notify.Event{
				Kind:    notify.KindAnomalousLogin,
				Email:   rec.Email,
				Address: addr,
				At:      time.Now(),
			})
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, rec.PrincipalID, rec.TenantID, "", ErrInvalidCredentials, nil)
		e.metricInc(MetricLoginFailure)
		return TokenPair{}, ErrInvalidCredentials
	}

	if rec.Status != PrincipalActive {
		e.emitAudit(ctx, auditEventLoginFailure, false, rec.PrincipalID, rec.TenantID, "", ErrAccountInactive, nil)
		e.metricInc(MetricLoginFailure)
		return TokenPair{}, ErrAccountInactive
	}

	if e.limiter != nil {
		if err := e.limiter.Reset(ctx, rate.PolicyLogin, e.abuseKey(identifier, addr)); err != nil {
			e.log.Warn().Err(err).Msg("login counter reset failed")
		}
	}

	if rec.TenantID == "" {
		rec.TenantID = tenantIDFromContext(ctx)
	}

	sess, err := e.sessions.Create(ctx, rec.PrincipalID, rec.TenantID, addr, client)
	if err != nil {
		return TokenPair{}, e.mapSessionErr(err)
	}
	e.metricInc(MetricSessionCreated)

	pair, err := e.issuePair(rec, sess)
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLogin, true, rec.PrincipalID, rec.TenantID, sess.ID, nil, nil)
	return pair, nil
}

/*
====================================
VALIDATE
====================================
*/

// ValidateBearer checks an access token end to end: rate budget, blacklist,
// signature, expiry, device binding, and the backing session. On a binding
// mismatch the backing session is revoked before the error returns.
func (e *Engine) ValidateBearer(ctx context.Context, bearer string) (PrincipalContext, error) {
	if e == nil {
		return PrincipalContext{}, ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	client := clientStringFromContext(ctx)

	if addr != "" {
		if err := e.gate(ctx, rate.PolicyTokenValidation, addr, addr); err != nil {
			e.metricInc(MetricValidateFailure)
			return PrincipalContext{}, err
		}
	}

	sessionID := token.DecodeSessionID(bearer)
	fingerprint := crypto.Fingerprint(addr, client, sessionID)

	claims, err := e.tokens.Verify(bearer, fingerprint, token.KindAccess)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, token.ErrBindingMismatch) {
			e.metricInc(MetricBindingMismatch)
			e.emitAudit(ctx, auditEventBindingMismatch, false, "", "", sessionID, err, nil)
			// The token is valid but replayed from elsewhere: kill the session.
			if revokeErr := e.sessions.Revoke(ctx, sessionID, session.ReasonBindingMiss); revokeErr != nil {
				e.log.Warn().Err(revokeErr).Str("session_id", sessionID).Msg("revoke after binding mismatch failed")
			}
		}
		return PrincipalContext{}, e.mapTokenErr(err)
	}

	sess, err := e.sessions.Validate(ctx, claims.SessionID, addr, client)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, session.ErrFingerprintMismatch) {
			e.metricInc(MetricBindingMismatch)
			e.emitAudit(ctx, auditEventBindingMismatch, false, claims.PrincipalID, claims.TenantID, claims.SessionID, err, nil)
		}
		return PrincipalContext{}, e.mapSessionErr(err)
	}

	// Deactivation must cut off live sessions, not just new logins: re-check
	// the principal and revoke everything when the account is no longer
	// active. A provider miss is treated the same as a deactivated account.
	rec, err := e.provider.GetByID(ctx, claims.PrincipalID)
	if err != nil || rec.Status != PrincipalActive {
		e.metricInc(MetricValidateFailure)
		if n, revokeErr := e.sessions.RevokeAll(ctx, claims.PrincipalID, "", session.ReasonAdminRevoked); revokeErr != nil {
			e.log.Warn().Err(revokeErr).Str("principal_id", claims.PrincipalID).Msg("session revoke failed for inactive principal")
		} else if n > 0 {
			e.metricInc(MetricSessionRevoked)
		}
		return PrincipalContext{}, ErrAccountInactive
	}

	e.metricInc(MetricValidateSuccess)
	return PrincipalContext{
		PrincipalID: claims.PrincipalID,
		TenantID:    claims.TenantID,
		SessionID:   sess.ID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

/*
====================================
REFRESH
====================================
*/

// Refresh exchanges a refresh token for a new token pair. The presented
// refresh token is blacklisted, so each one works once.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	client := clientStringFromContext(ctx)

	sessionID := token.DecodeSessionID(refreshToken)
	fingerprint := crypto.Fingerprint(addr, client, sessionID)

	claims, err := e.tokens.Verify(refreshToken, fingerprint, token.KindRefresh)
	if err != nil {
		if errors.Is(err, token.ErrBindingMismatch) {
			e.metricInc(MetricBindingMismatch)
			e.emitAudit(ctx, auditEventBindingMismatch, false, "", "", sessionID, err, nil)
			if revokeErr := e.sessions.Revoke(ctx, sessionID, session.ReasonBindingMiss); revokeErr != nil {
				e.log.Warn().Err(revokeErr).Str("session_id", sessionID).Msg("revoke after binding mismatch failed")
			}
		}
		return TokenPair{}, e.mapTokenErr(err)
	}

	sess, err := e.sessions.Validate(ctx, claims.SessionID, addr, client)
	if err != nil {
		return TokenPair{}, e.mapSessionErr(err)
	}

	rec, err := e.provider.GetByID(ctx, claims.PrincipalID)
	if err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	if rec.Status != PrincipalActive {
		return TokenPair{}, ErrAccountInactive
	}

	// Single use: the old refresh token dies with the rotation.
	e.tokens.Blacklist(refreshToken)

	return e.issuePair(rec, sess)
}

/*
====================================
LOGOUT
====================================
*/

// Logout ends the session behind an access token and blacklists the token
// itself. Logging out an already-dead session is not an error.
func (e *Engine) Logout(ctx context.Context, bearer string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	client := clientStringFromContext(ctx)

	sessionID := token.DecodeSessionID(bearer)
	fingerprint := crypto.Fingerprint(addr, client, sessionID)

	claims, err := e.tokens.Verify(bearer, fingerprint, token.KindAccess)
	if err != nil {
		return e.mapTokenErr(err)
	}

	e.tokens.Blacklist(bearer)
	if err := e.sessions.Revoke(ctx, claims.SessionID, session.ReasonLogout); err != nil {
		return e.mapSessionErr(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogout, true, claims.PrincipalID, claims.TenantID, claims.SessionID, nil, nil)
	return nil
}

// LogoutAll ends every session the token's principal has, including the
// current one, and reports how many were revoked.
func (e *Engine) LogoutAll(ctx context.Context, bearer string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	client := clientStringFromContext(ctx)

	sessionID := token.DecodeSessionID(bearer)
	fingerprint := crypto.Fingerprint(addr, client, sessionID)

	claims, err := e.tokens.Verify(bearer, fingerprint, token.KindAccess)
	if err != nil {
		return 0, e.mapTokenErr(err)
	}

	e.tokens.Blacklist(bearer)
	n, err := e.sessions.RevokeAll(ctx, claims.PrincipalID, "", session.ReasonLogoutAll)
	if err != nil {
		return 0, e.mapSessionErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, claims.PrincipalID, claims.TenantID, claims.SessionID, nil,
		map[string]string{"revoked": fmt.Sprintf("%d", n)})
	return n, nil
}

/*
====================================
CHANGE PASSWORD
====================================
*/

// ChangePassword rotates the caller's password after re-verifying the
// current one. Every other session is revoked; the current one survives.
func (e *Engine) ChangePassword(ctx context.Context, bearer, currentPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	principal, err := e.ValidateBearer(ctx, bearer)
	if err != nil {
		return err
	}

	rec, err := e.provider.GetByID(ctx, principal.PrincipalID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if !e.hasher.Verify(currentPassword, rec.PasswordHash) {
		e.emitAudit(ctx, auditEventPasswordChange, false, rec.PrincipalID, rec.TenantID, principal.SessionID, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if e.hasher.Verify(newPassword, rec.PasswordHash) {
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword, append([]string{rec.Email}, identifierContext(rec)...)...)
	if err != nil {
		return e.mapPasswordErr(err)
	}
	if err := e.provider.UpdatePasswordHash(ctx, rec.PrincipalID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if n, err := e.sessions.RevokeAll(ctx, rec.PrincipalID, principal.SessionID, session.ReasonCredentials); err != nil {
		e.log.Warn().Err(err).Str("principal_id", rec.PrincipalID).Msg("sibling session revoke failed after password change")
	} else if n > 0 {
		e.metricInc(MetricSessionRevoked)
	}

	e.notifyAsync(notify.Event{
		Kind:    notify.KindPasswordChanged,
		Email:   rec.Email,
		Address: clientAddrFromContext(ctx),
		At:      time.Now(),
	})

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChange, true, rec.PrincipalID, rec.TenantID, principal.SessionID, nil, nil)
	return nil
}

/*
====================================
RATE LIMIT
====================================
*/

// RateLimit charges one unit against a named policy for key and returns the
// decision. With rate limiting disabled it always allows.
func (e *Engine) RateLimit(ctx context.Context, policy, key string) (RateDecision, error) {
	if e == nil {
		return RateDecision{}, ErrEngineNotReady
	}
	if e.limiter == nil {
		return RateDecision{Allowed: true, Policy: policy}, nil
	}

	addr := clientAddrFromContext(ctx)
	if addr == "" {
		addr = key
	}

	if err := e.checkBlocked(ctx, addr); err != nil {
		return RateDecision{Allowed: false, Policy: policy}, err
	}

	res, err := e.limiter.CheckAndIncrement(ctx, policy, key)
	if err != nil {
		return RateDecision{}, e.mapRateErr(err)
	}

	decision := RateDecision{
		Allowed: !res.Exceeded,
		Policy:  policy,
		Count:   res.Count,
		Limit:   res.Limit,
		RetryIn: res.RetryIn,
	}
	if !res.Exceeded {
		return decision, nil
	}

	decision.Escalated = true
	e.metricInc(MetricRateLimitHit)
	e.punish(ctx, addr, policy)
	e.emitAudit(ctx, auditEventRateLimited, false, "", "", "", ErrRateLimited, map[string]string{"policy": policy})

	return decision, ErrRateLimited
}

/*
====================================
INTERNAL HELPERS
====================================
*/

// gate runs the block check and window charge that guard an operation.
func (e *Engine) gate(ctx context.Context, policy, key, addr string) error {
	if e.limiter == nil {
		return nil
	}

	if err := e.checkBlocked(ctx, addr); err != nil {
		return err
	}

	res, err := e.limiter.CheckAndIncrement(ctx, policy, key)
	if err != nil {
		return e.mapRateErr(err)
	}
	if !res.Exceeded {
		return nil
	}

	e.metricInc(MetricRateLimitHit)
	e.punish(ctx, addr, policy)
	e.emitAudit(ctx, auditEventRateLimited, false, "", "", "", ErrRateLimited, map[string]string{"policy": policy})
	return ErrRateLimited
}

func (e *Engine) checkBlocked(ctx context.Context, addr string) error {
	if e.escalator == nil || addr == "" {
		return nil
	}

	err := e.escalator.CheckBlocked(ctx, addr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrTemporarilyBlocked):
		left, _ := e.escalator.BlockedFor(ctx, addr)
		return fmt.Errorf("%w: retry in %s", ErrTemporarilyBlocked, left.Round(time.Second))
	case errors.Is(err, rate.ErrPermanentlyBlocked):
		return ErrPermanentlyBlocked
	default:
		return e.mapRateErr(err)
	}
}

// punish records a violation for addr and serves whatever the escalation
// ladder answers: a delay here, block state for the next request.
func (e *Engine) punish(ctx context.Context, addr, policy string) {
	if e.escalator == nil || addr == "" {
		return
	}

	out, err := e.escalator.RecordViolation(ctx, addr, policy)
	if err != nil {
		e.log.Warn().Err(err).Msg("violation record failed")
		return
	}

	switch {
	case out.PermBlocked:
		e.metricInc(MetricPermBlock)
		e.emitAudit(ctx, auditEventBlocked, false, "", "", "", ErrPermanentlyBlocked, map[string]string{"policy": policy})
		e.recordViolation(ctx, addr, policy, out.Level, "permanent block")
	case out.TempBlocked:
		e.metricInc(MetricTempBlock)
		e.emitAudit(ctx, auditEventBlocked, false, "", "", "", ErrTemporarilyBlocked, map[string]string{"policy": policy})
		e.recordViolation(ctx, addr, policy, out.Level, "temporary block")
	case out.Delay > 0:
		e.recordViolation(ctx, addr, policy, out.Level, "delay served")
		select {
		case <-time.After(out.Delay):
		case <-ctx.Done():
		}
	}
}

func (e *Engine) recordViolation(ctx context.Context, addr, kind string, level int, detail string) {
	if e.violations == nil {
		return
	}
	if err := e.violations.Record(ctx, ViolationRecord{
		Address: addr,
		Kind:    kind,
		Level:   level,
		Detail:  detail,
		At:      time.Now(),
	}); err != nil {
		e.log.Warn().Err(err).Msg("violation audit write failed")
	}
}

func (e *Engine) issuePair(rec PrincipalRecord, sess *session.Session) (TokenPair, error) {
	base := token.Claims{
		PrincipalID: rec.PrincipalID,
		TenantID:    rec.TenantID,
		SessionID:   sess.ID,
		Role:        rec.Role,
		Permissions: rec.Permissions,
		Fingerprint: sess.Fingerprint,
	}

	access, accessExp, err := e.tokens.Issue(token.KindAccess, base)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := e.tokens.Issue(token.KindRefresh, base)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        sess.ID,
	}, nil
}

// abuseKey scopes a rate counter to the identifier/address pair so one
// attacker cannot exhaust another caller's budget from elsewhere.
func (e *Engine) abuseKey(identifier, addr string) string {
	if addr == "" {
		return identifier
	}
	return identifier + "@" + addr
}

func (e *Engine) notifyAsync(ev notify.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("kind", ev.Kind).Msg("security notification failed")
		}
	}()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, principalID, tenantID, sessionID string, cause error, meta map[string]string) {
	if e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   eventType,
		PrincipalID: principalID,
		TenantID:    tenantID,
		SessionID:   sessionID,
		Address:     clientAddrFromContext(ctx),
		Success:     success,
		Metadata:    meta,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrBlacklisted):
		return ErrTokenBlacklisted
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrBindingMismatch):
		return ErrTokenBindingMismatch
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func (e *Engine) mapSessionErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrRevoked):
		return ErrSessionRevoked
	case errors.Is(err, session.ErrFingerprintMismatch):
		return ErrTokenBindingMismatch
	case errors.Is(err, session.ErrCorruptMetadata):
		return ErrCorruptSessionData
	case errors.Is(err, session.ErrStoreUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}

func (e *Engine) mapRateErr(err error) error {
	switch {
	case errors.Is(err, rate.ErrUnknownPolicy):
		return err
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, rate.ErrTemporarilyBlocked):
		return ErrTemporarilyBlocked
	case errors.Is(err, rate.ErrPermanentlyBlocked):
		return ErrPermanentlyBlocked
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func (e *Engine) mapPasswordErr(err error) error {
	if errors.Is(err, crypto.ErrWeakPassword) {
		return fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	return err
}

func identifierContext(rec PrincipalRecord) []string {
	return []string{rec.PrincipalID, rec.Role}
}
