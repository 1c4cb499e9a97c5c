package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/authcore/crypto"
	"github.com/kestrelsec/authcore/internal/rate"
	"github.com/kestrelsec/authcore/notify"
	"github.com/kestrelsec/authcore/session"
)

/*
====================================
PASSWORD RESET
====================================
*/

// RequestPasswordReset issues a single-use reset token for the account
// behind email and hands it to the notifier. The call succeeds whether or
// not the account exists, so callers cannot probe the directory; only an
// exhausted rate budget or a missing challenge store is reported.
//
// Issuing a new token invalidates any outstanding reset token for the same
// address.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.challenges == nil {
		return ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	if err := e.gate(ctx, rate.PolicyPasswordReset, e.abuseKey(email, addr), addr); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetRequest)

	rec, err := e.provider.GetByEmail(ctx, email)
	if err != nil {
		// Same outcome as a hit. The caller learns nothing.
		e.emitAudit(ctx, auditEventPasswordReset, true, "", "", "", nil, map[string]string{"phase": "request"})
		return nil
	}

	plain, err := crypto.NewToken(32)
	if err != nil {
		return err
	}
	digest := crypto.HashToken(plain)

	now := time.Now()
	challenge := Challenge{
		ID:          uuid.NewString(),
		PrincipalID: rec.PrincipalID,
		Email:       rec.Email,
		TokenHash:   digest[:],
		Kind:        ChallengePasswordReset,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.Reset.ResetTTL),
	}
	if err := e.challenges.Create(ctx, challenge); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.notifyAsync(notify.Event{
		Kind:    notify.KindPasswordReset,
		Email:   rec.Email,
		Address: addr,
		Token:   plain,
		At:      now,
	})

	e.emitAudit(ctx, auditEventPasswordReset, true, rec.PrincipalID, rec.TenantID, "", nil, map[string]string{"phase": "request"})
	return nil
}

// RedeemPasswordReset consumes a reset token and installs the new password.
// Unknown, expired, and replayed tokens are indistinguishable. On success
// every session the principal has is revoked.
func (e *Engine) RedeemPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.challenges == nil {
		return ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	if err := e.gate(ctx, rate.PolicyPasswordReset, e.abuseKey("redeem", addr), addr); err != nil {
		return err
	}

	digest := crypto.HashToken(resetToken)
	challenge, err := e.challenges.Consume(ctx, digest[:], ChallengePasswordReset)
	if err != nil {
		e.metricInc(MetricPasswordResetRejected)
		e.emitAudit(ctx, auditEventPasswordReset, false, "", "", "", ErrInvalidOrExpiredToken, map[string]string{"phase": "redeem"})
		return ErrInvalidOrExpiredToken
	}

	rec, err := e.provider.GetByID(ctx, challenge.PrincipalID)
	if err != nil {
		e.metricInc(MetricPasswordResetRejected)
		return ErrInvalidOrExpiredToken
	}

	newHash, err := e.hasher.Hash(newPassword, append([]string{rec.Email}, identifierContext(rec)...)...)
	if err != nil {
		e.metricInc(MetricPasswordResetRejected)
		return e.mapPasswordErr(err)
	}
	if err := e.provider.UpdatePasswordHash(ctx, rec.PrincipalID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Anyone holding an old session rides on credentials that no longer
	// exist. Kill everything; the principal logs back in fresh.
	if _, err := e.sessions.RevokeAll(ctx, rec.PrincipalID, "", session.ReasonCredentials); err != nil {
		e.log.Warn().Err(err).Str("principal_id", rec.PrincipalID).Msg("session revoke failed after password reset")
	}

	if err := e.challenges.InvalidateAllForEmail(ctx, rec.Email, ChallengePasswordReset); err != nil {
		e.log.Warn().Err(err).Msg("sibling challenge invalidation failed")
	}

	e.notifyAsync(notify.Event{
		Kind:    notify.KindPasswordChanged,
		Email:   rec.Email,
		Address: addr,
		At:      time.Now(),
	})

	e.metricInc(MetricPasswordResetRedeemed)
	e.emitAudit(ctx, auditEventPasswordReset, true, rec.PrincipalID, rec.TenantID, "", nil, map[string]string{"phase": "redeem"})
	return nil
}
