package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// mockCA is a stateful in-process ACME v2 server for tests. It checks
// protocol shape (nonces, JWS envelopes, content types) but not
// signatures, and issues real certificates from its own throwaway root.
type mockCA struct {
	t   interface{ Fatalf(string, ...interface{}) }
	srv *httptest.Server

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mtx         sync.Mutex
	nonces      map[string]bool
	orders      map[string]*mockOrder
	authzs      map[string]*mockAuthz
	orderSeq    int
	accountSeq  int
	validity    time.Duration
	newOrderHit int

	// failure injection
	badNonceOnce   bool
	rateLimitNext  int // remaining 429 responses for newOrder
	retryAfterSecs int

	// validateChallenge, when set, is consulted before an authz goes
	// valid. Default accepts everything.
	validateChallenge func(authz *mockAuthz) error
}

type mockOrder struct {
	id       string
	status   string
	names    []string
	authzIDs []string
	certPEM  []byte
}

type mockAuthz struct {
	id         string
	status     string
	identifier string
	token      string
	challenge  string // challenge type offered
}

func newMockCA(t interface{ Fatalf(string, ...interface{}) }) *mockCA {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("mock CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mock ACME root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 3650),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("mock CA cert: %v", err)
	}
	caCert, _ := x509.ParseCertificate(der)

	ca := &mockCA{
		t:        t,
		caKey:    caKey,
		caCert:   caCert,
		nonces:   make(map[string]bool),
		orders:   make(map[string]*mockOrder),
		authzs:   make(map[string]*mockAuthz),
		validity: 90 * 24 * time.Hour,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", ca.handleDirectory)
	mux.HandleFunc("/new-nonce", ca.handleNewNonce)
	mux.HandleFunc("/new-account", ca.handleNewAccount)
	mux.HandleFunc("/new-order", ca.handleNewOrder)
	mux.HandleFunc("/order/", ca.handleOrder)
	mux.HandleFunc("/authz/", ca.handleAuthz)
	mux.HandleFunc("/chall/", ca.handleChallenge)
	mux.HandleFunc("/finalize/", ca.handleFinalize)
	mux.HandleFunc("/cert/", ca.handleCert)
	mux.HandleFunc("/key-change", ca.handleKeyChange)
	mux.HandleFunc("/revoke-cert", ca.handleRevoke)
	ca.srv = httptest.NewServer(mux)
	return ca
}

func (ca *mockCA) Close()               { ca.srv.Close() }
func (ca *mockCA) DirectoryURL() string { return ca.srv.URL + "/directory" }

func (ca *mockCA) orderCount() int {
	ca.mtx.Lock()
	defer ca.mtx.Unlock()
	return len(ca.orders)
}

func (ca *mockCA) issueNonce(w http.ResponseWriter) {
	nonce := GenRandomToken()[:32]
	ca.mtx.Lock()
	ca.nonces[nonce] = true
	ca.mtx.Unlock()
	w.Header().Set("Replay-Nonce", nonce)
}

func (ca *mockCA) problem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   "urn:ietf:params:acme:error:" + typ,
		"detail": detail,
		"status": status,
	})
}

// readJWS unwraps a flattened JWS request and burns its nonce. Returns
// the decoded payload, or nil and false when the envelope is rejected.
func (ca *mockCA) readJWS(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "application/jose+json" {
		ca.problem(w, http.StatusUnsupportedMediaType, "malformed", "bad content type "+ct)
		return nil, false
	}
	var jws struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&jws); err != nil || jws.Signature == "" {
		ca.problem(w, http.StatusBadRequest, "malformed", "not a JWS")
		return nil, false
	}
	protected, err := base64.RawURLEncoding.DecodeString(jws.Protected)
	if err != nil {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad protected header")
		return nil, false
	}
	var hdr struct {
		Nonce string `json:"nonce"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(protected, &hdr); err != nil || hdr.Nonce == "" || hdr.URL == "" {
		ca.problem(w, http.StatusBadRequest, "malformed", "header missing nonce or url")
		return nil, false
	}

	ca.mtx.Lock()
	burnNonce := ca.badNonceOnce
	ca.badNonceOnce = false
	known := ca.nonces[hdr.Nonce]
	delete(ca.nonces, hdr.Nonce)
	ca.mtx.Unlock()

	if burnNonce || !known {
		ca.issueNonce(w)
		ca.problem(w, http.StatusBadRequest, "badNonce", "nonce rejected")
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(jws.Payload)
	if err != nil {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad payload")
		return nil, false
	}
	return payload, true
}

func (ca *mockCA) handleDirectory(w http.ResponseWriter, r *http.Request) {
	ca.issueNonce(w)
	json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   ca.srv.URL + "/new-nonce",
		"newAccount": ca.srv.URL + "/new-account",
		"newOrder":   ca.srv.URL + "/new-order",
		"revokeCert": ca.srv.URL + "/revoke-cert",
		"keyChange":  ca.srv.URL + "/key-change",
	})
}

func (ca *mockCA) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	ca.issueNonce(w)
	w.WriteHeader(http.StatusOK)
}

func (ca *mockCA) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.mtx.Lock()
	ca.accountSeq++
	id := ca.accountSeq
	ca.mtx.Unlock()
	ca.issueNonce(w)
	w.Header().Set("Location", fmt.Sprintf("%s/account/%d", ca.srv.URL, id))
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, `{"status":"valid"}`)
}

func (ca *mockCA) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	ca.mtx.Lock()
	if ca.rateLimitNext > 0 {
		ca.rateLimitNext--
		secs := ca.retryAfterSecs
		ca.mtx.Unlock()
		ca.issueNonce(w)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		ca.problem(w, http.StatusTooManyRequests, "rateLimited", "slow down")
		return
	}
	ca.newOrderHit++
	ca.mtx.Unlock()

	payload, ok := ca.readJWS(w, r)
	if !ok {
		return
	}
	var req struct {
		Identifiers []Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Identifiers) == 0 {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad identifiers")
		return
	}

	ca.mtx.Lock()
	ca.orderSeq++
	order := &mockOrder{id: strconv.Itoa(ca.orderSeq), status: StatusPending}
	var authzURLs []string
	for _, ident := range req.Identifiers {
		aid := fmt.Sprintf("%s-%s", order.id, ident.Value)
		ca.authzs[aid] = &mockAuthz{
			id:         aid,
			status:     StatusPending,
			identifier: ident.Value,
			token:      GenRandomToken()[:24],
		}
		order.names = append(order.names, ident.Value)
		order.authzIDs = append(order.authzIDs, aid)
		authzURLs = append(authzURLs, ca.srv.URL+"/authz/"+aid)
	}
	ca.orders[order.id] = order
	ca.mtx.Unlock()

	ca.issueNonce(w)
	w.Header().Set("Location", ca.srv.URL+"/order/"+order.id)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         order.status,
		"authorizations": authzURLs,
		"finalize":       ca.srv.URL + "/finalize/" + order.id,
	})
}

func (ca *mockCA) orderJSON(order *mockOrder) map[string]interface{} {
	var authzURLs []string
	for _, aid := range order.authzIDs {
		authzURLs = append(authzURLs, ca.srv.URL+"/authz/"+aid)
	}
	out := map[string]interface{}{
		"status":         order.status,
		"authorizations": authzURLs,
		"finalize":       ca.srv.URL + "/finalize/" + order.id,
	}
	if order.status == StatusValid && order.certPEM != nil {
		out["certificate"] = ca.srv.URL + "/cert/" + order.id
	}
	return out
}

func (ca *mockCA) handleOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	id := r.URL.Path[len("/order/"):]
	ca.mtx.Lock()
	order, ok := ca.orders[id]
	var body map[string]interface{}
	if ok {
		ca.refreshOrder(order)
		body = ca.orderJSON(order)
	}
	ca.mtx.Unlock()
	ca.issueNonce(w)
	if !ok {
		ca.problem(w, http.StatusNotFound, "malformed", "no such order")
		return
	}
	json.NewEncoder(w).Encode(body)
}

// refreshOrder recomputes a pending order's status from its authzs.
// Caller holds the lock.
func (ca *mockCA) refreshOrder(order *mockOrder) {
	if order.status != StatusPending {
		return
	}
	allValid := true
	for _, aid := range order.authzIDs {
		if ca.authzs[aid].status != StatusValid {
			allValid = false
			break
		}
	}
	if allValid {
		order.status = StatusReady
	}
}

func (ca *mockCA) handleAuthz(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	id := r.URL.Path[len("/authz/"):]
	ca.mtx.Lock()
	authz, ok := ca.authzs[id]
	ca.mtx.Unlock()
	ca.issueNonce(w)
	if !ok {
		ca.problem(w, http.StatusNotFound, "malformed", "no such authz")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     authz.status,
		"identifier": Identifier{Type: "dns", Value: authz.identifier},
		"challenges": []map[string]string{
			{"type": ChallengeHTTP01, "url": ca.srv.URL + "/chall/" + id + "/http", "status": "pending", "token": authz.token},
			{"type": ChallengeDNS01, "url": ca.srv.URL + "/chall/" + id + "/dns", "status": "pending", "token": authz.token},
		},
	})
}

func (ca *mockCA) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/chall/")
	id = strings.TrimSuffix(id, "/http")
	id = strings.TrimSuffix(id, "/dns")
	ca.mtx.Lock()
	authz, ok := ca.authzs[id]
	if ok {
		if ca.validateChallenge != nil {
			if err := ca.validateChallenge(authz); err != nil {
				authz.status = StatusInvalid
			} else {
				authz.status = StatusValid
			}
		} else {
			authz.status = StatusValid
		}
	}
	ca.mtx.Unlock()
	ca.issueNonce(w)
	if !ok {
		ca.problem(w, http.StatusNotFound, "malformed", "no such challenge")
		return
	}
	fmt.Fprintf(w, `{"type":"http-01","status":"%s","token":"%s"}`, authz.status, authz.token)
}

func (ca *mockCA) handleFinalize(w http.ResponseWriter, r *http.Request) {
	payload, ok := ca.readJWS(w, r)
	if !ok {
		return
	}
	id := r.URL.Path[len("/finalize/"):]
	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad finalize payload")
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad csr encoding")
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad csr")
		return
	}

	ca.mtx.Lock()
	order, ok := ca.orders[id]
	if ok {
		ca.refreshOrder(order)
		if order.status == StatusReady {
			order.certPEM = ca.sign(csr)
			order.status = StatusValid
		}
	}
	var body map[string]interface{}
	if ok {
		body = ca.orderJSON(order)
	}
	ca.mtx.Unlock()

	ca.issueNonce(w)
	if !ok {
		ca.problem(w, http.StatusNotFound, "malformed", "no such order")
		return
	}
	json.NewEncoder(w).Encode(body)
}

// sign issues a leaf for the CSR plus the mock root as intermediate.
// Caller holds the lock.
func (ca *mockCA) sign(csr *x509.CertificateRequest) []byte {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(ca.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		ca.t.Fatalf("mock CA sign: %v", err)
	}
	return append(PEMEncodeCert(der), PEMEncodeCert(ca.caCert.Raw)...)
}

func (ca *mockCA) handleCert(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	id := r.URL.Path[len("/cert/"):]
	ca.mtx.Lock()
	order, ok := ca.orders[id]
	ca.mtx.Unlock()
	ca.issueNonce(w)
	if !ok || order.certPEM == nil {
		ca.problem(w, http.StatusNotFound, "malformed", "no certificate")
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.Write(order.certPEM)
}

func (ca *mockCA) handleKeyChange(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.issueNonce(w)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (ca *mockCA) handleRevoke(w http.ResponseWriter, r *http.Request) {
	payload, ok := ca.readJWS(w, r)
	if !ok {
		return
	}
	var req struct {
		Certificate string `json:"certificate"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Certificate == "" {
		ca.problem(w, http.StatusBadRequest, "malformed", "bad revoke payload")
		return
	}
	ca.issueNonce(w)
	w.WriteHeader(http.StatusOK)
}
