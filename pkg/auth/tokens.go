// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Token kinds. A challenge token must never validate as a session
	// token, so the kind is part of the signed claims and checked on
	// every parse.
	kindSession   = "session"
	kindChallenge = "2fa"

	sessionTTL   = 24 * time.Hour
	challengeTTL = 5 * time.Minute
)

// SessionClaims is the signed claim set proving a completed login. The
// admin flag embedded here is the sole authorization signal for
// administrative operations; it is not re-checked against the directory
// per request.
type SessionClaims struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Mail  string `json:"mail"`
	Admin bool   `json:"admin"`
	Kind  string `json:"kind"`
	jwt.RegisteredClaims
}

// challengeClaims marks an in-flight login as awaiting its second
// factor. It carries only the login id; user attributes are re-read from
// the directory once the code checks out.
type challengeClaims struct {
	UID  string `json:"uid"`
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

func signSession(secret []byte, claims SessionClaims, now time.Time) (string, error) {
	claims.Kind = kindSession
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(sessionTTL))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func signChallenge(secret []byte, uid string, now time.Time) (string, error) {
	claims := challengeClaims{
		UID:  uid,
		Kind: kindChallenge,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(challengeTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseSession(secret []byte, token string, now time.Time) (*SessionClaims, error) {
	var claims SessionClaims
	if err := parseInto(secret, token, &claims, now); err != nil {
		return nil, err
	}
	if claims.Kind != kindSession {
		return nil, fmt.Errorf("token is not a session token")
	}
	return &claims, nil
}

func parseChallenge(secret []byte, token string, now time.Time) (string, error) {
	var claims challengeClaims
	if err := parseInto(secret, token, &claims, now); err != nil {
		return "", err
	}
	if claims.Kind != kindChallenge {
		return "", fmt.Errorf("token is not a challenge token")
	}
	return claims.UID, nil
}

func parseInto(secret []byte, token string, claims jwt.Claims, now time.Time) error {
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
