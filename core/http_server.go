package core

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/certcentral/certcentral/log"
)

// HttpServer hosts the two HTTP surfaces of the engine: the plain-text
// challenge responder the CA validates against, and the loopback control
// API the operators and the distribution tooling consume.
type HttpServer struct {
	engine        *Engine
	challengesDir string

	challengeSrv *http.Server
	controlSrv   *http.Server

	challengeLn net.Listener
	controlLn   net.Listener
}

func NewHttpServer(engine *Engine, challengeBind, controlBind, challengesDir string) *HttpServer {
	s := &HttpServer{
		engine:        engine,
		challengesDir: challengesDir,
	}

	if challengeBind != "" {
		r := mux.NewRouter()
		r.HandleFunc("/.well-known/acme-challenge/{token}", s.handleChallenge).Methods("GET")
		r.PathPrefix("/").HandlerFunc(s.handleRedirect)
		s.challengeSrv = &http.Server{
			Handler:      r,
			Addr:         challengeBind,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
	}

	if controlBind != "" {
		r := mux.NewRouter()
		r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
		r.HandleFunc("/api/certs", s.handleCerts).Methods("GET")
		r.HandleFunc("/api/certs/{name}", s.handleCert).Methods("GET")
		r.HandleFunc("/api/certs/{name}/renew", s.handleRenew).Methods("POST")
		s.controlSrv = &http.Server{
			Handler:      r,
			Addr:         controlBind,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
	}
	return s
}

func (s *HttpServer) Start() error {
	if s.challengeSrv != nil {
		ln, err := net.Listen("tcp", s.challengeSrv.Addr)
		if err != nil {
			return err
		}
		s.challengeLn = ln
		go s.challengeSrv.Serve(ln)
		log.Info("http: challenge responder on %s", ln.Addr())
	}
	if s.controlSrv != nil {
		ln, err := net.Listen("tcp", s.controlSrv.Addr)
		if err != nil {
			return err
		}
		s.controlLn = ln
		go s.controlSrv.Serve(ln)
		log.Info("http: control API on %s", ln.Addr())
	}
	return nil
}

func (s *HttpServer) Stop() {
	if s.challengeSrv != nil {
		s.challengeSrv.Close()
	}
	if s.controlSrv != nil {
		s.controlSrv.Close()
	}
}

// ControlAddr returns the control listener address, useful when the bind
// was ":0".
func (s *HttpServer) ControlAddr() string {
	if s.controlLn == nil {
		return ""
	}
	return s.controlLn.Addr().String()
}

// ChallengeAddr returns the challenge listener address.
func (s *HttpServer) ChallengeAddr() string {
	if s.challengeLn == nil {
		return ""
	}
	return s.challengeLn.Addr().String()
}

// handleChallenge serves key authorizations straight from the challenges
// directory the http-01 fulfiller writes into.
func (s *HttpServer) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if token == "" || strings.ContainsAny(token, "/\\") || strings.Contains(token, "..") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.challengesDir, token))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	log.Debug("http: serving challenge token for %s", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *HttpServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.String(), http.StatusFound)
}

type healthStatus struct {
	Status    string         `json:"status"`
	States    map[string]int `json:"states"`
	StoreFree string         `json:"store_free"`
	StoreSize string         `json:"store_size"`
}

func (s *HttpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	basePath := s.engine.Config().Store.BasePath
	h := healthStatus{
		Status:    "ok",
		States:    s.engine.StateCounts(),
		StoreFree: StoreFreeSpace(basePath),
	}
	if size, err := DirSize(basePath); err == nil {
		h.StoreSize = HumanFileSize(size)
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *HttpServer) handleCerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Records())
}

func (s *HttpServer) handleCert(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v, ok := s.engine.Record(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown certificate: " + name})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HttpServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.ForceRenew(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	log.Info("http: forced renewal of %s", name)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "renewal scheduled"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
