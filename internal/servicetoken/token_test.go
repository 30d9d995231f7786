package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestSignerIssuesVerifiableToken(t *testing.T) {
	keyPath, pub := writeRSAKey(t)
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: keyPath, KeyID: "k1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign("enrich.local")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims := parseToken(t, token, pub, "enrich.local")
	if claims.Issuer != DefaultIssuer || claims.Subject != DefaultIssuer {
		t.Fatalf("unexpected issuer/subject: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}
}

func TestSignerRequiresKeyAndAudience(t *testing.T) {
	if _, err := NewSigner(SignerOptions{}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
	if _, err := NewSigner(SignerOptions{PrivateKeyPath: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatalf("expected unreadable key to fail")
	}
	keyPath, _ := writeRSAKey(t)
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: keyPath})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := signer.Sign(" "); err == nil {
		t.Fatalf("expected empty audience to fail")
	}
}

func TestTransportAddsBearerHeader(t *testing.T) {
	keyPath, pub := writeRSAKey(t)
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: keyPath})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Signer: signer}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if !strings.HasPrefix(header, "Bearer ") {
		t.Fatalf("missing bearer header: %q", header)
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	parseToken(t, strings.TrimPrefix(header, "Bearer "), pub, host)
}

func parseToken(t *testing.T, token string, pub *rsa.PublicKey, audience string) *jwt.RegisteredClaims {
	t.Helper()
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithAudience(audience))
	if err != nil || !parsed.Valid {
		t.Fatalf("parse token: %v", err)
	}
	return claims
}

func writeRSAKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sorter.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, &key.PublicKey
}
