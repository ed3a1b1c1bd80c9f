// Package credential mints, stores and resolves the bearer credentials that
// let students check into a live lesson.
package credential

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"semaphore/lessons/internal/lesson"
)

type ClassResolver interface {
	ResolveClass(ctx context.Context, classID, kruzhokID string) (lesson.Class, error)
}

type Options struct {
	// TTL bounds how long one credential is accepted. Zero keeps it valid
	// for the whole LIVE period.
	TTL time.Duration
	// Retention is how long the registry keeps a record after its expiry,
	// so late scans are told "expired" rather than "invalid".
	Retention time.Duration
	Now       func() time.Time
}

// Issuer is the credential issuer of live lessons.
type Issuer struct {
	classes  ClassResolver
	registry Registry
	logger   *zap.Logger
	opts     Options
}

var _ lesson.CredentialIssuer = (*Issuer)(nil)

func NewIssuer(classes ClassResolver, registry Registry, logger *zap.Logger, opts Options) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Issuer{
		classes:  classes,
		registry: registry,
		logger:   logger.Named("credential"),
		opts:     opts,
	}
}

// Issue mints a new credential for a session, replacing any previous one.
// The caller must own the class, and the class must belong to the kruzhok.
func (i *Issuer) Issue(ctx context.Context, req lesson.IssueRequest) (lesson.Credential, error) {
	class, err := i.classes.ResolveClass(ctx, req.ClassID, req.KruzhokID)
	if err != nil {
		return lesson.Credential{}, err
	}
	if class.MentorID != req.MentorID {
		return lesson.Credential{}, lesson.ErrForbidden
	}

	token, err := NewToken()
	if err != nil {
		return lesson.Credential{}, fmt.Errorf("generating credential: %w", err)
	}
	now := i.opts.Now().UTC()
	rec := Record{SessionID: req.SessionID, IssuedAt: now}
	if i.opts.TTL > 0 {
		expiresAt := now.Add(i.opts.TTL)
		rec.ExpiresAt = &expiresAt
	}
	if err := i.registry.Put(ctx, token, rec, i.keep()); err != nil {
		return lesson.Credential{}, fmt.Errorf("storing credential: %w", err)
	}
	i.logger.Info("credential issued",
		zap.String("session_id", req.SessionID),
		zap.Timep("expires_at", rec.ExpiresAt))

	return lesson.Credential{
		SessionID:  req.SessionID,
		Value:      token,
		IssuedAt:   now,
		ExpiresAt:  rec.ExpiresAt,
		StartedAt:  req.StartedAt,
		ServerTime: now,
	}, nil
}

// Resolve maps a presented credential to its session.
func (i *Issuer) Resolve(ctx context.Context, token string) (lesson.Grant, error) {
	rec, ok, err := i.registry.Lookup(ctx, token)
	if err != nil {
		return lesson.Grant{}, fmt.Errorf("looking up credential: %w", err)
	}
	if !ok {
		return lesson.Grant{}, lesson.ErrInvalidCredential
	}
	if i.expired(rec) {
		return lesson.Grant{}, lesson.ErrCredentialExpired
	}
	return lesson.Grant{SessionID: rec.SessionID, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}, nil
}

func (i *Issuer) Current(ctx context.Context, sessionID string) (lesson.Credential, error) {
	rec, ok, err := i.registry.Current(ctx, sessionID)
	if err != nil {
		return lesson.Credential{}, fmt.Errorf("loading credential: %w", err)
	}
	if !ok {
		return lesson.Credential{}, lesson.ErrCredentialNotFound
	}
	if i.expired(rec) {
		return lesson.Credential{}, lesson.ErrCredentialExpired
	}
	return lesson.Credential{
		SessionID:  rec.SessionID,
		Value:      rec.Token,
		IssuedAt:   rec.IssuedAt,
		ExpiresAt:  rec.ExpiresAt,
		ServerTime: i.opts.Now().UTC(),
	}, nil
}

func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	if err := i.registry.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	i.logger.Debug("credential revoked", zap.String("session_id", sessionID))
	return nil
}

func (i *Issuer) expired(rec Record) bool {
	return rec.ExpiresAt != nil && !i.opts.Now().Before(*rec.ExpiresAt)
}

func (i *Issuer) keep() time.Duration {
	if i.opts.TTL <= 0 {
		return i.opts.Retention
	}
	return i.opts.TTL + i.opts.Retention
}
