package core

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"gopkg.in/square/go-jose.v2"
)

type KeyType string

const (
	KeyRSA2048   = KeyType("rsa-2048")
	KeyRSA3072   = KeyType("rsa-3072")
	KeyRSA4096   = KeyType("rsa-4096")
	KeyECDSAP256 = KeyType("ecdsa-p256")
	KeyECDSAP384 = KeyType("ecdsa-p384")
)

const selfSignedValidity = 72 * time.Hour

func GenerateKey(kt KeyType) (crypto.Signer, error) {
	switch kt {
	case KeyRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case KeyRSA3072:
		return rsa.GenerateKey(rand.Reader, 3072)
	case KeyRSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	case KeyECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	}
	return nil, cryptoParamErr("unknown key type: %s", kt)
}

// NormalizeName lowercases a DNS name and converts it to its punycode
// form. Wildcard prefixes survive normalization.
func NormalizeName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	wildcard := strings.HasPrefix(name, "*.")
	if wildcard {
		name = name[2:]
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", cryptoParamErr("invalid DNS name %q: %v", name, err)
	}
	if wildcard {
		ascii = "*." + ascii
	}
	return ascii, nil
}

// sortedSANs returns the deduplicated, lexicographically sorted SAN set.
// CSR construction uses this so equal inputs produce identical bytes.
func sortedSANs(cn string, sans []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range append([]string{cn}, sans...) {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CreateCSR builds a PKCS#10 request in DER form. The SAN list is sorted
// and deduplicated first, so CSR bytes are a pure function of the key and
// the name set.
func CreateCSR(key crypto.Signer, cn string, sans []string) ([]byte, error) {
	names := sortedSANs(cn, sans)
	if len(names) == 0 {
		return nil, cryptoParamErr("empty SAN list")
	}
	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: names,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, cryptoErr("create CSR", err)
	}
	return der, nil
}

// SelfSignedCert issues the bootstrap certificate published before the
// first ACME order completes.
func SelfSignedCert(key crypto.Signer, cn string, sans []string, now time.Time) ([]byte, error) {
	names := sortedSANs(cn, sans)
	if len(names) == 0 {
		return nil, cryptoParamErr("empty SAN list")
	}
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, cryptoErr("serial", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, cryptoErr("self-sign", err)
	}
	return der, nil
}

func PEMEncodeKey(key crypto.Signer) ([]byte, error) {
	var block *pem.Block
	switch k := key.(type) {
	case *rsa.PrivateKey:
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, cryptoErr("marshal EC key", err)
		}
		block = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		return nil, cryptoParamErr("unsupported key type %T", key)
	}
	return pem.EncodeToMemory(block), nil
}

func PEMEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParsePrivateKeyPEM accepts PKCS#1, SEC 1 and PKCS#8 blocks.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil || !strings.HasSuffix(block.Type, "PRIVATE KEY") {
		return nil, cryptoParamErr("no private key PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, cryptoParamErr("unsupported key type in PKCS#8 wrapping: %T", key)
	}
	return nil, cryptoParamErr("failed to parse private key")
}

func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, cryptoParamErr("no certificate PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, cryptoErr("parse certificate", err)
	}
	return cert, nil
}

// ParsePEMBundle parses a certificate bundle top to bottom.
func ParsePEMBundle(bundle []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	var block *pem.Block
	for {
		block, bundle = pem.Decode(bundle)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse certificate bundle", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, cryptoParamErr("no certificates found in bundle")
	}
	return certs, nil
}

// PublicKeyFingerprint is the hex SHA-256 of the PKIX-encoded public key.
// Store metadata uses it to bind meta.json to privkey.pem.
func PublicKeyFingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", cryptoErr("marshal public key", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// JWKThumbprint is the base64url RFC 7638 thumbprint of the key.
func JWKThumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", cryptoErr("jwk thumbprint", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// KeyAuthorization is token || '.' || thumbprint(account key).
func KeyAuthorization(token string, accountKey crypto.Signer) (string, error) {
	thumb, err := JWKThumbprint(accountKey.Public())
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// LoadOrCreateKey reads a private key PEM, generating and persisting a
// fresh one (0600) when the file does not exist yet.
func LoadOrCreateKey(path string, kt KeyType) (crypto.Signer, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, perr := ParsePrivateKeyPEM(data)
		return key, false, perr
	}
	if !os.IsNotExist(err) {
		return nil, false, cryptoErr("read key", err)
	}
	key, err := GenerateKey(kt)
	if err != nil {
		return nil, false, err
	}
	pemBytes, err := PEMEncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, false, cryptoErr("write key", err)
	}
	return key, true, nil
}

func serialString(n *big.Int) string {
	return n.Text(16)
}
