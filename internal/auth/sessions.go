package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/models"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "pw_session"

// CSRFCookie is the readable double-submit cookie paired with SessionCookie.
const CSRFCookie = "pw_csrf"

// CSRFHeader must echo the CSRF cookie on mutating cookie-authenticated calls.
const CSRFHeader = "X-CSRF-Token"

var (
	// ErrNoSession is returned when no valid session accompanies the request.
	ErrNoSession = errors.New("auth: no session")
	// ErrCSRF is returned when the CSRF header does not match the session.
	ErrCSRF = errors.New("auth: csrf mismatch")
)

type sessionClaims struct {
	OrgID     string `json:"org"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Sessions manages signed buyer console sessions backed by the store.
type Sessions struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewSessions constructs the session manager. secure controls the cookie
// Secure flag and should be true in production.
func NewSessions(db *gorm.DB, secret string, ttl time.Duration, secure bool) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{db: db, secret: []byte(secret), ttl: ttl, secure: secure, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Issue creates a session row for the org and sets both cookies.
func (s *Sessions) Issue(ctx context.Context, w http.ResponseWriter, orgID uuid.UUID) error {
	csrfRaw := make([]byte, 16)
	if _, err := rand.Read(csrfRaw); err != nil {
		return err
	}
	now := s.now()
	session := models.Session{
		ID:        uuid.New(),
		OrgID:     orgID,
		CSRFToken: hex.EncodeToString(csrfRaw),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return err
	}
	claims := sessionClaims{
		OrgID:     orgID.String(),
		SessionID: session.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			Issuer:    "proofwork",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    session.CSRFToken,
		Path:     "/",
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
	return nil
}

// Resolve authenticates a request's session cookie and, for mutating methods,
// enforces the double-submit CSRF header.
func (s *Sessions) Resolve(r *http.Request) (uuid.UUID, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return uuid.Nil, ErrNoSession
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	var session models.Session
	if err := s.db.WithContext(r.Context()).First(&session, "id = ?", sessionID).Error; err != nil {
		return uuid.Nil, ErrNoSession
	}
	if s.now().After(session.ExpiresAt) {
		return uuid.Nil, ErrNoSession
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		if r.Header.Get(CSRFHeader) != session.CSRFToken {
			return uuid.Nil, ErrCSRF
		}
	}
	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil || orgID != session.OrgID {
		return uuid.Nil, ErrNoSession
	}
	return orgID, nil
}

// Revoke deletes the session row and clears the cookies.
func (s *Sessions) Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		claims := &sessionClaims{}
		if _, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithTimeFunc(s.now)); err == nil {
			if sid, err := uuid.Parse(claims.SessionID); err == nil {
				_ = s.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", sid).Error
			}
		}
	}
	expire := s.now().Add(-time.Hour)
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", Expires: expire, MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Value: "", Path: "/", Expires: expire, MaxAge: -1})
}
