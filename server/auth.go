package main

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// loginWindow bounds how stale a signed login timestamp may be.
const loginWindow = time.Minute

// tokenTTL is how long an issued access token stays valid.
const tokenTTL = 24 * time.Hour

type ctxKey int

const ownerKey ctxKey = 0

// ownerFrom returns the authenticated wallet address, or "" for anonymous
// requests.
func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

type authenticator struct {
	secret []byte
	now    func() time.Time
}

func newAuthenticator(secret string) *authenticator {
	return &authenticator{secret: []byte(secret), now: time.Now}
}

type loginRequest struct {
	Owner     string `json:"owner"`
	Timestamp int64  `json:"timestamp"` // unix ms, the signed message
	Signature string `json:"signature"` // base64 ed25519 over the decimal timestamp
}

// login verifies that the caller controls the wallet: the decimal timestamp
// string must be signed by the owner's ed25519 key and be at most a minute
// old.
func (a *authenticator) login(req loginRequest) (string, error) {
	pub, err := solana.PublicKeyFromBase58(req.Owner)
	if err != nil {
		return "", fmt.Errorf("bad owner address: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("bad signature encoding: %w", err)
	}
	at := time.UnixMilli(req.Timestamp)
	if d := a.now().Sub(at); d < -loginWindow || d > loginWindow {
		return "", fmt.Errorf("timestamp outside the login window")
	}
	msg := strconv.FormatInt(req.Timestamp, 10)
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), []byte(msg), sig) {
		return "", fmt.Errorf("signature does not verify")
	}
	return a.token(req.Owner, a.now().Add(tokenTTL)), nil
}

func (a *authenticator) token(owner string, exp time.Time) string {
	body := owner + "." + strconv.FormatInt(exp.Unix(), 10)
	return body + "." + a.sign(body)
}

func (a *authenticator) sign(body string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify returns the owner encoded in a token, or "" if the token is
// malformed, forged or expired.
func (a *authenticator) verify(token string) string {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return ""
	}
	body, sig := token[:i], token[i+1:]
	if !hmac.Equal([]byte(a.sign(body)), []byte(sig)) {
		return ""
	}
	owner, expStr, ok := strings.Cut(body, ".")
	if !ok {
		return ""
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || a.now().Unix() > exp {
		return ""
	}
	return owner
}

// withOwner decorates the request context with the bearer token's owner when
// one is presented. It never rejects: handlers that require identity check
// for an empty owner themselves.
func (a *authenticator) withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if owner := a.verify(strings.TrimPrefix(h, "Bearer ")); owner != "" {
				r = r.WithContext(context.WithValue(r.Context(), ownerKey, owner))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	token, err := s.auth.login(req)
	if err != nil {
		writeErrStatus(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, map[string]any{"token": token})
}
