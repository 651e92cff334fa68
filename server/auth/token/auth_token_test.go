package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/chitchat/chat/server/auth"
	"github.com/chitchat/chat/server/store/types"
)

func newTestAuthenticator(t *testing.T, expireIn int) *authenticator {
	ta := &authenticator{}
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("s3cr3t--"), 4))
	conf, _ := json.Marshal(map[string]interface{}{
		"key":        key,
		"serial_num": 1,
		"expire_in":  expireIn,
	})
	if err := ta.Init(conf, "token"); err != nil {
		t.Fatal("init failed:", err)
	}
	return ta
}

func TestTokenRoundtrip(t *testing.T) {
	ta := newTestAuthenticator(t, 3600)

	rec := &auth.Rec{Uid: types.Uid(42), AuthLevel: auth.LevelAuth}
	secret, expires, err := ta.GenSecret(rec)
	if err != nil {
		t.Fatal("GenSecret failed:", err)
	}
	if !expires.After(time.Now()) {
		t.Error("expiration must be in the future")
	}

	got, err := ta.Authenticate(secret, "")
	if err != nil {
		t.Fatal("Authenticate failed:", err)
	}
	if got.Uid != rec.Uid {
		t.Errorf("uid: expected %d, got %d", rec.Uid, got.Uid)
	}
	if got.AuthLevel != auth.LevelAuth {
		t.Errorf("level: expected %d, got %d", auth.LevelAuth, got.AuthLevel)
	}
	if got.Lifetime <= 0 {
		t.Error("lifetime must be positive")
	}
}

func TestTokenTampered(t *testing.T) {
	ta := newTestAuthenticator(t, 3600)

	secret, _, err := ta.GenSecret(&auth.Rec{Uid: types.Uid(42), AuthLevel: auth.LevelAuth})
	if err != nil {
		t.Fatal("GenSecret failed:", err)
	}

	// Flip a bit in the embedded user id.
	secret[0] ^= 0x01
	if _, err = ta.Authenticate(secret, ""); err != types.ErrFailed {
		t.Errorf("expected ErrFailed for a tampered token, got %v", err)
	}

	if _, err = ta.Authenticate(secret[:10], ""); err != types.ErrMalformed {
		t.Errorf("expected ErrMalformed for a truncated token, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	ta := newTestAuthenticator(t, 3600)

	secret, _, err := ta.GenSecret(&auth.Rec{
		Uid:       types.Uid(42),
		AuthLevel: auth.LevelAuth,
		Lifetime:  time.Millisecond,
	})
	if err != nil {
		t.Fatal("GenSecret failed:", err)
	}
	if _, err = ta.Authenticate(secret, ""); err != types.ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestTokenWrongSerial(t *testing.T) {
	ta := newTestAuthenticator(t, 3600)
	secret, _, err := ta.GenSecret(&auth.Rec{Uid: types.Uid(42), AuthLevel: auth.LevelAuth})
	if err != nil {
		t.Fatal("GenSecret failed:", err)
	}

	other := newTestAuthenticator(t, 3600)
	other.serialNumber = 2
	if _, err = other.Authenticate(secret, ""); err != types.ErrFailed {
		t.Errorf("expected ErrFailed for a wrong serial number, got %v", err)
	}
}
