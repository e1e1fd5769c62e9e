package auth

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongSubject   = errors.New("token was issued for another address")
)

var addressRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{3,128}$`)

// Service checks that a joining address owns the token it presents. With no
// secret configured every well-formed address is admitted.
type Service struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

func NewService(secret []byte, expiresIn time.Duration) *Service {
	if expiresIn == 0 {
		expiresIn = 24 * time.Hour
	}
	return &Service{
		secret:    secret,
		expiresIn: expiresIn,
		now:       time.Now,
	}
}

func (s *Service) Enabled() bool {
	return len(s.secret) > 0
}

// Authorize admits address when token (if required) was issued for it.
func (s *Service) Authorize(address, token string) error {
	if !IsValidAddress(address) {
		return ErrInvalidAddress
	}
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}

	subject, err := s.ValidateToken(token)
	if err != nil {
		return err
	}
	if subject != address {
		return ErrWrongSubject
	}
	return nil
}

// IssueToken signs a token whose subject is address.
func (s *Service) IssueToken(address string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("token signing is disabled: no secret configured")
	}
	if !IsValidAddress(address) {
		return "", ErrInvalidAddress
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiresIn)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken returns the address the token was issued for.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func IsValidAddress(address string) bool {
	return addressRegex.MatchString(address)
}
