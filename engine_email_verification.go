package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/authcore/crypto"
	"github.com/kestrelsec/authcore/internal/rate"
	"github.com/kestrelsec/authcore/notify"
)

/*
====================================
EMAIL VERIFICATION
====================================
*/

// RequestEmailVerification issues a single-use verification token for a
// pending account and hands it to the notifier. Like the reset flow it
// succeeds regardless of whether the address maps to an account; already
// active accounts are silently skipped too, so the response never reveals
// account state.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.challenges == nil {
		return ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	if err := e.gate(ctx, rate.PolicyEmailVerification, e.abuseKey(email, addr), addr); err != nil {
		return err
	}

	e.metricInc(MetricEmailVerificationRequest)

	rec, err := e.provider.GetByEmail(ctx, email)
	if err != nil || rec.Status != PrincipalPendingVerification {
		e.emitAudit(ctx, auditEventEmailVerification, true, "", "", "", nil, map[string]string{"phase": "request"})
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
		Kind:        ChallengeEmailVerification,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.Reset.VerificationTTL),
	}
	if err := e.challenges.Create(ctx, challenge); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.notifyAsync(notify.Event{
		Kind:    notify.KindEmailVerification,
		Email:   rec.Email,
		Address: addr,
		Token:   plain,
		At:      now,
	})

	e.emitAudit(ctx, auditEventEmailVerification, true, rec.PrincipalID, rec.TenantID, "", nil, map[string]string{"phase": "request"})
	return nil
}

// RedeemEmailVerification consumes a verification token and activates the
// pending account. Unknown, expired, and replayed tokens are
// indistinguishable.
func (e *Engine) RedeemEmailVerification(ctx context.Context, verificationToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.challenges == nil {
		return ErrEngineNotReady
	}

	addr := clientAddrFromContext(ctx)
	if err := e.gate(ctx, rate.PolicyEmailVerification, e.abuseKey("redeem", addr), addr); err != nil {
		return err
	}

	digest := crypto.HashToken(verificationToken)
	challenge, err := e.challenges.Consume(ctx, digest[:], ChallengeEmailVerification)
	if err != nil {
		e.emitAudit(ctx, auditEventEmailVerification, false, "", "", "", ErrInvalidOrExpiredToken, map[string]string{"phase": "redeem"})
		return ErrInvalidOrExpiredToken
	}

	rec, err := e.provider.GetByID(ctx, challenge.PrincipalID)
	if err != nil {
		return ErrInvalidOrExpiredToken
	}
	if rec.Status == PrincipalActive {
		// Verified through another token in the window. Nothing to do.
		return nil
	}

	if err := e.provider.UpdateStatus(ctx, rec.PrincipalID, PrincipalActive); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.challenges.InvalidateAllForEmail(ctx, rec.Email, ChallengeEmailVerification); err != nil {
		e.log.Warn().Err(err).Msg("sibling challenge invalidation failed")
	}

	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, auditEventEmailVerification, true, rec.PrincipalID, rec.TenantID, "", nil, map[string]string{"phase": "redeem"})
	return nil
}
