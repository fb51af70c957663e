package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	jwtExpiry        = 7 * 24 * time.Hour // 7 days
	bcryptCost       = 12
	minSecretLen     = 8
	minProducerLen   = 2
	maxProducerLen   = 32
	loginRateWindow  = 60 * time.Second
	maxLoginAttempts = 10
)

// Auth issues and validates JWTs for telemetry producers hitting /ingest
type Auth struct {
	db        *DB
	jwtSecret []byte

	// Rate limiting for token requests (IP -> attempts)
	rateMu  sync.Mutex
	rateMap map[string]*rateEntry
}

type rateEntry struct {
	Count   int
	ResetAt time.Time
}

// NewAuth creates a new Auth handler
func NewAuth(db *DB) *Auth {
	secret := loadOrCreateSecret(db)
	return &Auth{
		db:        db,
		jwtSecret: secret,
		rateMap:   make(map[string]*rateEntry),
	}
}

// loadOrCreateSecret loads the JWT secret from the database, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting("jwt_secret"); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting("jwt_secret", hex.EncodeToString(secret)); err != nil {
			log.Printf("warning: could not persist JWT secret: %v", err)
		}
	}
	return secret
}

// Register creates a new producer account and returns a token for it
func (a *Auth) Register(name, secret string) (int64, string, error) {
	name = strings.TrimSpace(name)

	if len(name) < minProducerLen || len(name) > maxProducerLen {
		return 0, "", fmt.Errorf("producer name must be %d-%d characters", minProducerLen, maxProducerLen)
	}
	if len(secret) < minSecretLen {
		return 0, "", fmt.Errorf("secret must be at least %d characters", minSecretLen)
	}

	exists, err := a.db.ProducerExists(name)
	if err != nil {
		return 0, "", fmt.Errorf("database error")
	}
	if exists {
		return 0, "", fmt.Errorf("producer name already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return 0, "", fmt.Errorf("internal error")
	}

	id, err := a.db.CreateProducer(name, string(hash))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create producer")
	}

	token, err := a.generateToken(name)
	if err != nil {
		return 0, "", fmt.Errorf("internal error")
	}

	return id, token, nil
}

// Login exchanges producer credentials for a JWT
func (a *Auth) Login(name, secret, ip string) (string, error) {
	if !a.checkRate(ip) {
		return "", fmt.Errorf("too many attempts, try again later")
	}

	producer, err := a.db.GetProducerByName(name)
	if err != nil {
		return "", fmt.Errorf("database error")
	}
	if producer == nil {
		return "", fmt.Errorf("invalid producer or secret")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(producer.SecretHash), []byte(secret)); err != nil {
		return "", fmt.Errorf("invalid producer or secret")
	}

	return a.generateToken(producer.Name)
}

// ValidateToken validates a JWT and returns the producer name
func (a *Auth) ValidateToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	name, ok := claims["prd"].(string)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	return name, nil
}

func (a *Auth) generateToken(name string) (string, error) {
	claims := jwt.MapClaims{
		"prd": name,
		"exp": time.Now().Add(jwtExpiry).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *Auth) checkRate(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now()
	entry, ok := a.rateMap[ip]
	if !ok || now.After(entry.ResetAt) {
		a.rateMap[ip] = &rateEntry{Count: 1, ResetAt: now.Add(loginRateWindow)}
		return true
	}
	entry.Count++
	return entry.Count <= maxLoginAttempts
}
