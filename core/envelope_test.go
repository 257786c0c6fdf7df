package core

import (
	"testing"
	"time"
)

func envelopeTestSetup(t *testing.T) (sender, recipient KeyPair, registry *CryptoRegistry, dh *DHCache) {
	t.Helper()
	registry = NewCryptoRegistry(NewNoneSuite())
	sender = newNoneKeyPair(t)
	recipient = newNoneKeyPair(t)
	var err error
	dh, err = NewDHCache(registry, sender.Public, 16)
	if err != nil {
		t.Fatalf("NewDHCache: %v", err)
	}
	return sender, recipient, registry, dh
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sender, recipient, registry, senderDH := envelopeTestSetup(t)
	recipientDH, err := NewDHCache(registry, recipient.Public, 16)
	if err != nil {
		t.Fatalf("NewDHCache: %v", err)
	}

	body := []byte("hello node")
	wire, err := ToEncryptedData(sender.Public, recipient.Public, sender.Secret, body, senderDH, registry)
	if err != nil {
		t.Fatalf("ToEncryptedData: %v", err)
	}

	env, err := FromSignedData(wire, CryptoKindNone, registry)
	if err != nil {
		t.Fatalf("FromSignedData: %v", err)
	}
	if !env.SenderID.Equal(sender.Public) {
		t.Fatalf("sender id: got %v, want %v", env.SenderID, sender.Public)
	}

	plain, err := env.DecryptBody(recipient.Secret, recipientDH, registry)
	if err != nil {
		t.Fatalf("DecryptBody: %v", err)
	}
	if string(plain) != string(body) {
		t.Fatalf("decrypted body: got %q, want %q", plain, body)
	}
}

func TestEnvelopeRejectsBadSignature(t *testing.T) {
	sender, recipient, registry, senderDH := envelopeTestSetup(t)

	wire, err := ToEncryptedData(sender.Public, recipient.Public, sender.Secret, []byte("x"), senderDH, registry)
	if err != nil {
		t.Fatalf("ToEncryptedData: %v", err)
	}
	tampered := append([]byte(nil), wire...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := FromSignedData(tampered, CryptoKindNone, registry); err == nil {
		t.Fatal("expected signature verification to fail on tampered envelope")
	}
}

func TestEnvelopeRejectsUndersizeBuffer(t *testing.T) {
	registry := NewCryptoRegistry(NewNoneSuite())
	if _, err := FromSignedData(make([]byte, 4), CryptoKindNone, registry); err == nil {
		t.Fatal("expected error for too-short envelope")
	}
}

func TestEnvelopeRejectsBadMagic(t *testing.T) {
	sender, recipient, registry, senderDH := envelopeTestSetup(t)
	wire, err := ToEncryptedData(sender.Public, recipient.Public, sender.Secret, []byte("x"), senderDH, registry)
	if err != nil {
		t.Fatalf("ToEncryptedData: %v", err)
	}
	corrupted := append([]byte(nil), wire...)
	corrupted[0] = 'X'
	if _, err := FromSignedData(corrupted, CryptoKindNone, registry); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestEnvelopeRejectsSenderEqualsRecipient(t *testing.T) {
	sender, _, registry, senderDH := envelopeTestSetup(t)
	if _, err := ToEncryptedData(sender.Public, sender.Public, sender.Secret, []byte("x"), senderDH, registry); err == nil {
		t.Fatal("expected error building an envelope with sender == recipient")
	}
}

func TestWithinReplayWindow(t *testing.T) {
	now := time.Now()
	maxBehind, maxAhead := 30*time.Second, 5*time.Second

	if !WithinReplayWindow(now, now, maxBehind, maxAhead) {
		t.Fatal("exact now should be within the replay window")
	}
	if WithinReplayWindow(now.Add(-time.Minute), now, maxBehind, maxAhead) {
		t.Fatal("a timestamp far in the past should fall outside the replay window")
	}
	if WithinReplayWindow(now.Add(time.Minute), now, maxBehind, maxAhead) {
		t.Fatal("a timestamp far in the future should fall outside the replay window")
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	sender, _, registry, _ := envelopeTestSetup(t)
	wire, err := ToSignedReceiptData(sender.Public, sender.Secret, []byte("extra"), registry)
	if err != nil {
		t.Fatalf("ToSignedReceiptData: %v", err)
	}
	r, err := FromSignedReceiptData(wire, CryptoKindNone, registry)
	if err != nil {
		t.Fatalf("FromSignedReceiptData: %v", err)
	}
	if string(r.ExtraData) != "extra" {
		t.Fatalf("extra data: got %q, want %q", r.ExtraData, "extra")
	}
}
