package core

import (
	"crypto"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/certcentral/certcentral/log"
)

const (
	storeFileMode = 0640
	storeDirMode  = 0750

	readRetries    = 5
	readRetryDelay = 100 * time.Millisecond
)

// CertMeta is the meta.json sidecar readers consult before trusting the
// PEM set next to it.
type CertMeta struct {
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	SAN         []string  `json:"san"`
	SelfSigned  bool      `json:"self_signed,omitempty"`
}

// Material is one publishable certificate set.
type Material struct {
	KeyPEM   []byte
	CertPEM  []byte
	ChainPEM []byte
	Meta     CertMeta
}

// FullChain is the leaf followed by the intermediates.
func (m *Material) FullChain() []byte {
	return append(append([]byte{}, m.CertPEM...), m.ChainPEM...)
}

// BuildMaterial assembles and cross-checks a material set from a private
// key PEM and a PEM chain (leaf first). The key must match the leaf.
func BuildMaterial(keyPEM, chainPEM []byte, selfSigned bool) (*Material, error) {
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	certs, err := ParsePEMBundle(chainPEM)
	if err != nil {
		return nil, err
	}
	leaf := certs[0]
	keyPrint, err := PublicKeyFingerprint(key.Public())
	if err != nil {
		return nil, err
	}
	leafPrint, err := PublicKeyFingerprint(leaf.PublicKey)
	if err != nil {
		return nil, err
	}
	if keyPrint != leafPrint {
		return nil, cryptoParamErr("private key does not match leaf certificate")
	}
	var chain []byte
	for _, c := range certs[1:] {
		chain = append(chain, PEMEncodeCert(c.Raw)...)
	}
	san := append([]string{}, leaf.DNSNames...)
	sort.Strings(san)
	return &Material{
		KeyPEM:   keyPEM,
		CertPEM:  PEMEncodeCert(leaf.Raw),
		ChainPEM: chain,
		Meta: CertMeta{
			NotBefore:   leaf.NotBefore.UTC(),
			NotAfter:    leaf.NotAfter.UTC(),
			Serial:      serialString(leaf.SerialNumber),
			Fingerprint: keyPrint,
			SAN:         san,
			SelfSigned:  selfSigned,
		},
	}, nil
}

// Store owns the on-disk certificate layout:
//
//	<base>/live/<name>/{privkey.pem,cert.pem,chain.pem,fullchain.pem,meta.json}
//	<base>/new/<name>/     staging area for the atomic swap
//	<base>/archive/<name>/<serial>/
//
// It is the single writer; the distribution API reads live/ using the
// meta-first protocol ReadLive implements.
type Store struct {
	base        string
	archiveKeep int
}

func NewStore(base string, archiveKeep int) (*Store, error) {
	if archiveKeep <= 0 {
		archiveKeep = 5
	}
	s := &Store{base: base, archiveKeep: archiveKeep}
	for _, dir := range []string{s.liveRoot(), s.newRoot(), s.archiveRoot()} {
		if err := os.MkdirAll(dir, storeDirMode); err != nil {
			return nil, storeErr("mkdir", dir, err)
		}
	}
	return s, nil
}

func (s *Store) liveRoot() string    { return filepath.Join(s.base, "live") }
func (s *Store) newRoot() string     { return filepath.Join(s.base, "new") }
func (s *Store) archiveRoot() string { return filepath.Join(s.base, "archive") }

func (s *Store) livePath(name string) string    { return filepath.Join(s.liveRoot(), name) }
func (s *Store) newPath(name string) string     { return filepath.Join(s.newRoot(), name) }
func (s *Store) archivePath(name string) string { return filepath.Join(s.archiveRoot(), name) }

// LivePath exposes where readers find the published set for name.
func (s *Store) LivePath(name string) string { return s.livePath(name) }

func writeFileSync(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// StageKey parks a freshly generated private key in the staging area when
// an order starts, so a restart resumes with the same key and CSR.
func (s *Store) StageKey(name string, keyPEM []byte) error {
	dir := s.newPath(name)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return storeErr("mkdir", dir, err)
	}
	path := filepath.Join(dir, "privkey.pem")
	if err := writeFileSync(path, keyPEM, storeFileMode); err != nil {
		return storeErr("write", path, err)
	}
	return nil
}

// StagedKey loads the staged private key for name, if any.
func (s *Store) StagedKey(name string) (crypto.Signer, error) {
	data, err := s.StagedKeyPEM(name)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// StagedKeyPEM returns the staged private key bytes for name.
func (s *Store) StagedKeyPEM(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.newPath(name), "privkey.pem"))
	if err != nil {
		return nil, storeErr("read staged key", s.newPath(name), err)
	}
	return data, nil
}

// DiscardStage drops any staged material for name.
func (s *Store) DiscardStage(name string) error {
	if err := os.RemoveAll(s.newPath(name)); err != nil {
		return storeErr("discard stage", s.newPath(name), err)
	}
	return nil
}

// Publish writes the material into the staging area, fsyncs everything,
// then swaps it live. The old set moves to the archive keyed by serial.
// A failure before the swap leaves the current live set untouched.
func (s *Store) Publish(name string, m *Material) error {
	dir := s.newPath(name)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return storeErr("mkdir", dir, err)
	}
	meta, err := json.MarshalIndent(&m.Meta, "", "  ")
	if err != nil {
		return storeErr("encode meta", dir, err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{"privkey.pem", m.KeyPEM},
		{"cert.pem", m.CertPEM},
		{"chain.pem", m.ChainPEM},
		{"fullchain.pem", m.FullChain()},
		{"meta.json", meta},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeFileSync(path, f.data, storeFileMode); err != nil {
			return storeErr("write", path, err)
		}
	}
	if err := syncDir(dir); err != nil {
		return storeErr("sync", dir, err)
	}
	return s.swap(name)
}

// swap renames live aside and the staged set into place. Readers bridge
// the non-atomic gap with the meta-first check in ReadLive.
func (s *Store) swap(name string) error {
	live := s.livePath(name)
	staged := s.newPath(name)

	if _, err := os.Stat(live); err == nil {
		oldMeta, merr := readMeta(live)
		label := time.Now().UTC().Format("20060102T150405Z")
		if merr == nil && oldMeta.Serial != "" {
			label = oldMeta.Serial
		}
		archDir := s.archivePath(name)
		if err := os.MkdirAll(archDir, storeDirMode); err != nil {
			return storeErr("mkdir", archDir, err)
		}
		target := filepath.Join(archDir, label)
		if err := os.RemoveAll(target); err != nil {
			return storeErr("clear archive slot", target, err)
		}
		if err := os.Rename(live, target); err != nil {
			return storeErr("archive", live, err)
		}
	} else if !os.IsNotExist(err) {
		return storeErr("stat", live, err)
	}

	if err := os.Rename(staged, live); err != nil {
		return storeErr("publish", staged, err)
	}
	for _, dir := range []string{s.liveRoot(), s.newRoot(), s.archiveRoot()} {
		if err := syncDir(dir); err != nil {
			return storeErr("sync", dir, err)
		}
	}
	s.pruneArchive(name)
	return nil
}

func (s *Store) pruneArchive(name string) {
	dir := s.archivePath(name)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= s.archiveKeep {
		return
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var all []aged
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, aged{e.Name(), info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	for _, victim := range all[s.archiveKeep:] {
		path := filepath.Join(dir, victim.name)
		if err := os.RemoveAll(path); err != nil {
			log.Warning("store: pruning %s failed: %v", path, err)
		}
	}
}

func readMeta(dir string) (*CertMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, err
	}
	var meta CertMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readMaterial loads a material set from dir and verifies it against its
// meta.json: key fingerprint and leaf serial must both match.
func readMaterial(dir string) (*Material, error) {
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "privkey.pem"))
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return nil, err
	}
	chainPEM, err := os.ReadFile(filepath.Join(dir, "chain.pem"))
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	keyPrint, err := PublicKeyFingerprint(key.Public())
	if err != nil {
		return nil, err
	}
	if keyPrint != meta.Fingerprint {
		return nil, storeErr("verify", dir, errMismatch("fingerprint"))
	}
	if serialString(leaf.SerialNumber) != meta.Serial {
		return nil, storeErr("verify", dir, errMismatch("serial"))
	}
	return &Material{KeyPEM: keyPEM, CertPEM: certPEM, ChainPEM: chainPEM, Meta: *meta}, nil
}

type errMismatch string

func (e errMismatch) Error() string { return string(e) + " does not match meta.json" }

// HasLive reports whether a published set exists for name.
func (s *Store) HasLive(name string) bool {
	_, err := os.Stat(filepath.Join(s.livePath(name), "meta.json"))
	return err == nil
}

// ReadLive loads the published material for name using the meta-first
// protocol, retrying through a concurrent publish.
func (s *Store) ReadLive(name string) (*Material, error) {
	dir := s.livePath(name)
	var lastErr error
	for i := 0; i < readRetries; i++ {
		if i > 0 {
			time.Sleep(readRetryDelay)
		}
		m, err := readMaterial(dir)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, storeErr("read live", dir, lastErr)
}

// ListLive returns the names that currently have a published set.
func (s *Store) ListLive() ([]string, error) {
	entries, err := os.ReadDir(s.liveRoot())
	if err != nil {
		return nil, storeErr("list", s.liveRoot(), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Recover finishes interrupted publishes. A staged set whose meta.json
// verifies is swapped live when live/ is missing (crash between the two
// renames) or when it is strictly newer than the live set. Verified-stale
// and corrupt staged sets are dropped; a bare staged key (no meta.json)
// belongs to an in-flight order and is left alone.
func (s *Store) Recover() ([]string, error) {
	entries, err := os.ReadDir(s.newRoot())
	if err != nil {
		return nil, storeErr("list", s.newRoot(), err)
	}
	var recovered []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		stagedDir := s.newPath(name)
		if _, err := os.Stat(filepath.Join(stagedDir, "meta.json")); os.IsNotExist(err) {
			continue
		}
		staged, err := readMaterial(stagedDir)
		if err != nil {
			log.Warning("store: discarding inconsistent staged set for %s: %v", name, err)
			os.RemoveAll(stagedDir)
			continue
		}
		if s.HasLive(name) {
			live, err := readMeta(s.livePath(name))
			if err == nil && !staged.Meta.NotBefore.After(live.NotBefore) {
				log.Warning("store: discarding stale staged set for %s (serial %s)", name, staged.Meta.Serial)
				os.RemoveAll(stagedDir)
				continue
			}
		}
		if err := s.swap(name); err != nil {
			return recovered, err
		}
		log.Important("store: completed interrupted publish for %s (serial %s)", name, staged.Meta.Serial)
		recovered = append(recovered, name)
	}
	return recovered, nil
}

// ArchiveLive moves a live set to the archive when configuration drops the
// certificate; readers get a grace window instead of an abrupt delete.
func (s *Store) ArchiveLive(name string) error {
	if !s.HasLive(name) {
		return nil
	}
	return s.swapOut(name)
}

func (s *Store) swapOut(name string) error {
	live := s.livePath(name)
	meta, err := readMeta(live)
	label := time.Now().UTC().Format("20060102T150405Z")
	if err == nil && meta.Serial != "" {
		label = meta.Serial
	}
	archDir := s.archivePath(name)
	if err := os.MkdirAll(archDir, storeDirMode); err != nil {
		return storeErr("mkdir", archDir, err)
	}
	target := filepath.Join(archDir, label)
	if err := os.RemoveAll(target); err != nil {
		return storeErr("clear archive slot", target, err)
	}
	if err := os.Rename(live, target); err != nil {
		return storeErr("archive", live, err)
	}
	return syncDir(s.liveRoot())
}
