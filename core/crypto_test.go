package core

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateKeyKinds(t *testing.T) {
	tests := []struct {
		kt   KeyType
		want func(k interface{}) bool
	}{
		{KeyRSA2048, func(k interface{}) bool { r, ok := k.(*rsa.PrivateKey); return ok && r.N.BitLen() == 2048 }},
		{KeyECDSAP256, func(k interface{}) bool { e, ok := k.(*ecdsa.PrivateKey); return ok && e.Curve.Params().BitSize == 256 }},
		{KeyECDSAP384, func(k interface{}) bool { e, ok := k.(*ecdsa.PrivateKey); return ok && e.Curve.Params().BitSize == 384 }},
	}
	for _, tc := range tests {
		key, err := GenerateKey(tc.kt)
		if err != nil {
			t.Fatalf("%s: %v", tc.kt, err)
		}
		if !tc.want(key) {
			t.Errorf("%s: wrong key shape %T", tc.kt, key)
		}
	}

	if _, err := GenerateKey("rsa-1024"); err == nil {
		t.Error("unknown key type accepted")
	}
}

func TestNormalizeName(t *testing.T) {
	for in, want := range map[string]string{
		"WWW.Example.ORG": "www.example.org",
		"*.Example.org":   "*.example.org",
		"bücher.example":  "xn--bcher-kva.example",
	} {
		got, err := NormalizeName(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("%s: got %s, want %s", in, got, want)
		}
	}
	if _, err := NormalizeName("bad name.example"); err == nil {
		t.Error("name with space accepted")
	}
}

func TestCSRDeterministic(t *testing.T) {
	key, err := GenerateKey(KeyECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	a, err := CreateCSR(key, "www.example.org", []string{"example.org", "api.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	// same names in a different order, with a duplicate
	b, err := CreateCSR(key, "www.example.org", []string{"api.example.org", "www.example.org", "example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("CSR bytes differ for the same key and SAN set")
	}

	if _, err := CreateCSR(key, "", nil); err == nil {
		t.Error("empty SAN list accepted")
	}
}

func TestSelfSignedCert(t *testing.T) {
	key, _ := GenerateKey(KeyECDSAP256)
	now := time.Now()
	der, err := SelfSignedCert(key, "www.example.org", []string{"example.org"}, now)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := ParseCertificatePEM(PEMEncodeCert(der))
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.DNSNames) != 2 {
		t.Errorf("got SANs %v", cert.DNSNames)
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got != selfSignedValidity {
		t.Errorf("validity %s, want %s", got, selfSignedValidity)
	}
}

func TestKeyPEMRoundtrip(t *testing.T) {
	for _, kt := range []KeyType{KeyRSA2048, KeyECDSAP256} {
		key, _ := GenerateKey(kt)
		pemBytes, err := PEMEncodeKey(key)
		if err != nil {
			t.Fatal(err)
		}
		back, err := ParsePrivateKeyPEM(pemBytes)
		if err != nil {
			t.Fatalf("%s: %v", kt, err)
		}
		fp1, _ := PublicKeyFingerprint(key.Public())
		fp2, _ := PublicKeyFingerprint(back.Public())
		if fp1 != fp2 {
			t.Errorf("%s: fingerprint changed across PEM roundtrip", kt)
		}
	}
}

func TestKeyAuthorization(t *testing.T) {
	key, _ := GenerateKey(KeyECDSAP256)
	ka, err := KeyAuthorization("token123", key)
	if err != nil {
		t.Fatal(err)
	}
	thumb, _ := JWKThumbprint(key.Public())
	if want := "token123." + thumb; ka != want {
		t.Errorf("got %s, want %s", ka, want)
	}
	// thumbprint must be stable for the same key
	again, _ := JWKThumbprint(key.Public())
	if thumb != again {
		t.Error("thumbprint not stable")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.pem")
	key, created, err := LoadOrCreateKey(path, KeyECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected key creation")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode %o, want 0600", info.Mode().Perm())
	}

	again, created, err := LoadOrCreateKey(path, KeyECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second load created a new key")
	}
	fp1, _ := PublicKeyFingerprint(key.Public())
	fp2, _ := PublicKeyFingerprint(again.Public())
	if fp1 != fp2 {
		t.Error("reloaded key differs")
	}
}
