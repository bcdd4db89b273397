package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/onnwee/chatdeck/crypto"
	"github.com/onnwee/chatdeck/db"
	"github.com/onnwee/chatdeck/testutil"
)

func newEncryptor(t *testing.T) *crypto.AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestMigrateTokens(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, `TRUNCATE oauth_tokens`); err != nil {
		t.Fatal(err)
	}
	plain := db.NewStore(database, nil)
	sealed := db.NewStore(database, newEncryptor(t))
	for _, a := range []string{db.AccountHost, db.AccountBot} {
		if err := plain.SaveToken(ctx, db.Token{Account: a, AccessToken: "access-" + a, RefreshToken: "refresh-" + a}); err != nil {
			t.Fatal(err)
		}
	}

	// Dry run changes nothing.
	n, err := migrateTokens(ctx, plain, sealed, true)
	if err != nil || n != 2 {
		t.Fatalf("dry run = %d, %v", n, err)
	}
	if left, _ := plain.PlaintextAccounts(ctx); len(left) != 2 {
		t.Fatalf("dry run migrated rows: %v", left)
	}

	n, err = migrateTokens(ctx, plain, sealed, false)
	if err != nil || n != 2 {
		t.Fatalf("migrate = %d, %v", n, err)
	}
	if left, _ := plain.PlaintextAccounts(ctx); len(left) != 0 {
		t.Errorf("plaintext rows left: %v", left)
	}
	tok, err := sealed.GetToken(ctx, db.AccountBot)
	if err != nil || tok.AccessToken != "access-"+db.AccountBot || tok.RefreshToken != "refresh-"+db.AccountBot {
		t.Errorf("GetToken() = %+v, %v", tok, err)
	}

	// Nothing left on a second run.
	if n, err := migrateTokens(ctx, plain, sealed, false); err != nil || n != 0 {
		t.Errorf("second run = %d, %v", n, err)
	}
}
