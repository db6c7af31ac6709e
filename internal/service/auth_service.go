package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSubject = errors.New("token subject is not a player id")
)

// Claims is the authenticated identity carried by a player token
type Claims struct {
	PlayerID uuid.UUID
	Name     string
}

// TokenService issues and validates player access tokens. Accounts are owned
// elsewhere; this service only signs the identity it is given.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

func (s *TokenService) IssueToken(playerID uuid.UUID, name string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  playerID.String(),
		"name": name,
		"exp":  now.Add(s.ttl).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := mapClaims.GetSubject()
	if err != nil {
		return nil, ErrInvalidToken
	}
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidSubject
	}
	name, _ := mapClaims["name"].(string)
	return &Claims{PlayerID: playerID, Name: name}, nil
}
