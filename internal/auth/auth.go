// Package auth implements the authentication service the client core
// delegates to: email/password accounts persisted in the document store,
// signed bearer tokens, and per-device sessions exposing a push-based
// identity-change stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-hailing/internal/docstore"
)

var (
	// Validation failures, caught before any store call.
	ErrEmptyCredentials = errors.New("auth: email and password cannot be empty")
	ErrInvalidEmail     = errors.New("auth: invalid email address")
	ErrPasswordTooShort = errors.New("auth: password must be at least 6 characters")

	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Identity is the authenticated principal: an opaque uid plus the email it
// was registered with.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Service is the account registry. Credentials live in the document store
// under credentials/{uid}; tokens are HS256 JWTs carrying the uid as subject.
type Service struct {
	store    docstore.Store
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func NewService(store docstore.Store, secret []byte, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{store: store, secret: secret, tokenTTL: tokenTTL, now: time.Now}
}

func (s *Service) SignUp(ctx context.Context, email, password string) (Identity, string, error) {
	email, err := validate(email, password)
	if err != nil {
		return Identity{}, "", err
	}
	existing, err := s.lookup(ctx, email)
	if err != nil {
		return Identity{}, "", err
	}
	if existing != nil {
		return Identity{}, "", ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, "", err
	}
	uid := uuid.NewString()
	err = s.store.Put(ctx, docstore.CollectionCredentials, uid, docstore.Fields{
		"email":        email,
		"passwordHash": string(hash),
		"createdAt":    docstore.ServerTimestamp,
	})
	if err != nil {
		return Identity{}, "", fmt.Errorf("create credential: %w", err)
	}
	ident := Identity{UID: uid, Email: email}
	token, err := s.issueToken(ident)
	return ident, token, err
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Identity, string, error) {
	email, err := validate(email, password)
	if err != nil {
		return Identity{}, "", err
	}
	doc, err := s.lookup(ctx, email)
	if err != nil {
		return Identity{}, "", err
	}
	if doc == nil {
		return Identity{}, "", ErrInvalidCredentials
	}
	hash, _ := doc.Fields["passwordHash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Identity{}, "", ErrInvalidCredentials
	}
	ident := Identity{UID: doc.ID, Email: email}
	token, err := s.issueToken(ident)
	return ident, token, err
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verify parses a bearer token and returns the identity it was issued for.
func (s *Service) Verify(ctx context.Context, token string) (Identity, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: claims.Subject, Email: claims.Email}, nil
}

func (s *Service) issueToken(ident Identity) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Email: ident.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) lookup(ctx context.Context, email string) (*docstore.Document, error) {
	docs, err := s.store.RunQuery(ctx, docstore.Query{
		Collection: docstore.CollectionCredentials,
		Filters:    []docstore.Filter{docstore.Where("email", email)},
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func validate(email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", ErrEmptyCredentials
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	if len(password) < 6 {
		return "", ErrPasswordTooShort
	}
	return email, nil
}
