// Package auth issues and validates the runtime's credentials: hero_ API
// keys, password logins, magic-link tokens, and browser session tokens.
//
// API keys are stored as SHA-256 digests; the plaintext leaves MintKey once
// and is never recoverable. Magic links are single use: the signed token
// carries a row id that is burned on redemption.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

var (
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth: disabled")

	// ErrInvalidToken covers malformed, forged, and expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrInvalidKey covers unknown and malformed API keys.
	ErrInvalidKey = errors.New("auth: invalid api key")

	// ErrKeyExpired is returned for a known key past its expiry.
	ErrKeyExpired = errors.New("auth: api key expired")

	// ErrInvalidCredentials is returned on a failed password login.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrLinkUsed is returned when a magic link is redeemed twice.
	ErrLinkUsed = errors.New("auth: magic link already used")

	// ErrWeakPassword is returned for passwords under MinPasswordLength.
	ErrWeakPassword = errors.New("auth: password too short")
)

const (
	// KeyPrefix starts every API key. The prefix routes credential parsing
	// and lets log redaction catch leaked keys.
	KeyPrefix = "hero_"

	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8

	keyRandomBytes = 24
	keyDisplayLen  = 12

	pbkdf2Iterations = 210_000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16
)

// Token uses distinguish the two JWT shapes the service signs.
const (
	useMagicLink = "magic_link"
	useSession   = "session"
)

// Config tunes the service.
type Config struct {
	// Secret signs magic-link and session tokens. Empty disables both;
	// API keys and passwords keep working.
	Secret string

	// MagicLinkTTL defaults to 15 minutes.
	MagicLinkTTL time.Duration

	// SessionTTL defaults to 30 days.
	SessionTTL time.Duration
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 15 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	return cfg
}

// Service validates credentials against the user store.
type Service struct {
	cfg    Config
	store  store.UserStore
	secret []byte
	now    func() time.Time
	logger *slog.Logger
}

// NewService wires the auth service.
func NewService(cfg Config, st store.UserStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	return &Service{
		cfg:    cfg,
		store:  st,
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		now:    time.Now,
		logger: logger.With("component", "auth"),
	}
}

// TokensEnabled reports whether magic-link and session tokens can be issued.
func (s *Service) TokensEnabled() bool {
	return len(s.secret) > 0
}

// --- API keys ---

// MintKey creates an API key. The returned plaintext is shown to the caller
// once; only its digest is stored. ttl zero means the key never expires.
func (s *Service) MintKey(ctx context.Context, userID, name string, ttl time.Duration) (*models.APIKey, string, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, "", fmt.Errorf("load user: %w", err)
	}

	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(raw)

	key := &models.APIKey{
		UserID: userID,
		Name:   strings.TrimSpace(name),
		Prefix: plaintext[:keyDisplayLen],
		Hash:   HashKey(plaintext),
	}
	if ttl > 0 {
		key.ExpiresAt = s.now().Add(ttl)
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, plaintext, nil
}

// VerifyKey resolves a plaintext API key to its owner and records the use.
func (s *Service) VerifyKey(ctx context.Context, plaintext string) (*models.User, error) {
	plaintext = strings.TrimSpace(plaintext)
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		return nil, ErrInvalidKey
	}

	digest := HashKey(plaintext)
	key, err := s.store.GetAPIKeyByHash(ctx, digest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("look up key: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(digest)) != 1 {
		return nil, ErrInvalidKey
	}
	if key.Expired(s.now()) {
		return nil, ErrKeyExpired
	}

	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("load key owner: %w", err)
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, s.now()); err != nil {
		s.logger.Warn("touch api key", "key_id", key.ID, "error", err)
	}
	return user, nil
}

// HashKey returns the SHA-256 hex digest of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// --- passwords ---

// SetPassword hashes and stores a user's password.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// Login authenticates an email and password pair.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.PasswordHash == "" || !VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword derives a PBKDF2-SHA256 hash in the encoded form
// "pbkdf2$<iterations>$<salt>$<key>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(dk)), nil
}

// VerifyPassword checks a password against its encoded hash. Unparseable
// hashes verify as false rather than erroring.
func VerifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// --- magic links and session tokens ---

type claims struct {
	Email string `json:"email,omitempty"`
	Use   string `json:"use"`
	jwt.RegisteredClaims
}

// IssueMagicLink creates a single-use login token for email.
func (s *Service) IssueMagicLink(ctx context.Context, email string) (string, error) {
	if !s.TokensEnabled() {
		return "", ErrAuthDisabled
	}
	email = normalizeEmail(email)
	if email == "" {
		return "", errors.New("auth: email required")
	}

	link := &models.MagicLink{
		Email:     email,
		ExpiresAt: s.now().Add(s.cfg.MagicLinkTTL),
	}
	if err := s.store.CreateMagicLink(ctx, link); err != nil {
		return "", fmt.Errorf("store magic link: %w", err)
	}

	c := claims{
		Email: email,
		Use:   useMagicLink,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        link.ID,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(link.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign magic link: %w", err)
	}
	return token, nil
}

// RedeemMagicLink validates a token, burns its link, and returns the
// account, creating one on first login.
func (s *Service) RedeemMagicLink(ctx context.Context, token string) (*models.User, error) {
	c, err := s.parseToken(token, useMagicLink)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, ErrInvalidToken
	}

	if _, err := s.store.ConsumeMagicLink(ctx, c.ID, s.now()); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, ErrLinkUsed
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("consume magic link: %w", err)
	}

	user, err := s.store.GetUserByEmail(ctx, c.Email)
	if errors.Is(err, store.ErrNotFound) {
		user = &models.User{Email: c.Email}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("user created via magic link", "user_id", user.ID)
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// IssueSessionToken signs a browser session token for user.
func (s *Service) IssueSessionToken(user *models.User) (string, error) {
	if !s.TokensEnabled() {
		return "", ErrAuthDisabled
	}
	if user == nil || user.ID == "" {
		return "", errors.New("auth: user id required")
	}
	c := claims{
		Use: useSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(s.cfg.SessionTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// VerifySessionToken resolves a session token to its account.
func (s *Service) VerifySessionToken(ctx context.Context, token string) (*models.User, error) {
	c, err := s.parseToken(token, useSession)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, c.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// ResolveCredential authenticates an opaque credential string: hero_ keys go
// through the key path, anything else is treated as a session token.
func (s *Service) ResolveCredential(ctx context.Context, value string) (*models.User, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, KeyPrefix) {
		return s.VerifyKey(ctx, value)
	}
	return s.VerifySessionToken(ctx, value)
}

func (s *Service) parseToken(token, wantUse string) (*claims, error) {
	if !s.TokensEnabled() {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Use != wantUse || strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
