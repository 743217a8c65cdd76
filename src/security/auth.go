package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// AuthService mints and validates actor tokens. Actors are service
// collaborators (dispatchers, OCR extractors, reporting jobs); the priv
// claim gates everything beyond automatic income detection.
type AuthService struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

func NewAuthService(secret string, tokenExpiry time.Duration) *AuthService {
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	return &AuthService{
		JWTSecret:   secret,
		TokenExpiry: tokenExpiry,
	}
}

func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CompareHashAndKey(hashedKey, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key))
}

func (a *AuthService) GenerateToken(actorID string, privileged bool) (string, error) {
	claims := jwt.MapClaims{
		"sub":  actorID,
		"priv": privileged,
		"exp":  time.Now().Add(a.TokenExpiry).Unix(),
		"iat":  time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.JWTSecret))
}

// ValidateToken returns the actor id and privilege flag carried by a token.
// A token without a priv claim validates as unprivileged.
func (a *AuthService) ValidateToken(tokenString string) (string, bool, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	})

	if err != nil {
		return "", false, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		sub, ok := claims["sub"].(string)
		if !ok {
			return "", false, errors.New("invalid token: 'sub' claim missing or not a string")
		}
		priv, _ := claims["priv"].(bool)
		return sub, priv, nil
	}

	return "", false, errors.New("invalid token")
}
