package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testMaterial(t *testing.T, cn string, validity time.Duration, selfSigned bool) *Material {
	t.Helper()
	key, err := GenerateKey(KeyECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	der, err := SelfSignedCert(key, cn, nil, time.Now().Add(validity-selfSignedValidity))
	if err != nil {
		t.Fatal(err)
	}
	keyPEM, _ := PEMEncodeKey(key)
	m, err := BuildMaterial(keyPEM, PEMEncodeCert(der), selfSigned)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPublishAndReadLive(t *testing.T) {
	s, err := NewStore(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	m := testMaterial(t, "www.example.org", selfSignedValidity, true)
	if err := s.Publish("www_example_org", m); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadLive("www_example_org")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Serial != m.Meta.Serial {
		t.Errorf("serial %s, want %s", got.Meta.Serial, m.Meta.Serial)
	}
	if !got.Meta.SelfSigned {
		t.Error("self_signed marker lost")
	}

	// invariant: meta.json fingerprint matches the private key next to it
	key, err := ParsePrivateKeyPEM(got.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	fp, _ := PublicKeyFingerprint(key.Public())
	if fp != got.Meta.Fingerprint {
		t.Error("fingerprint does not bind meta.json to privkey.pem")
	}

	for _, name := range []string{"privkey.pem", "cert.pem", "chain.pem", "fullchain.pem", "meta.json"} {
		if _, err := os.Stat(filepath.Join(s.LivePath("www_example_org"), name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestPublishArchivesPrevious(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	first := testMaterial(t, "a.example.org", selfSignedValidity, true)
	if err := s.Publish("a", first); err != nil {
		t.Fatal(err)
	}
	second := testMaterial(t, "a.example.org", 2*selfSignedValidity, false)
	if err := s.Publish("a", second); err != nil {
		t.Fatal(err)
	}

	live, err := s.ReadLive("a")
	if err != nil {
		t.Fatal(err)
	}
	if live.Meta.Serial != second.Meta.Serial {
		t.Error("live set is not the newest publish")
	}
	archived := filepath.Join(base, "archive", "a", first.Meta.Serial)
	if _, err := os.Stat(filepath.Join(archived, "meta.json")); err != nil {
		t.Errorf("previous version not archived: %v", err)
	}
}

func TestArchivePrune(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 2)
	for i := 0; i < 5; i++ {
		m := testMaterial(t, "a.example.org", selfSignedValidity+time.Duration(i)*time.Hour, false)
		if err := s.Publish("a", m); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(base, "archive", "a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) > 2 {
		t.Errorf("archive holds %d versions, want at most 2", len(entries))
	}
}

func TestMismatchDetected(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	m := testMaterial(t, "a.example.org", selfSignedValidity, false)
	if err := s.Publish("a", m); err != nil {
		t.Fatal(err)
	}
	// swap in a foreign private key; the meta-first check must reject it
	other, _ := GenerateKey(KeyECDSAP256)
	otherPEM, _ := PEMEncodeKey(other)
	if err := os.WriteFile(filepath.Join(s.LivePath("a"), "privkey.pem"), otherPEM, 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadLive("a"); err == nil {
		t.Error("mixed material set accepted")
	}
}

// Crash between the two renames of a publish: live/ is gone, the staged
// set is complete. Recovery must finish the swap.
func TestRecoverInterruptedPublish(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	m := testMaterial(t, "a.example.org", selfSignedValidity, false)
	if err := s.Publish("a", m); err != nil {
		t.Fatal(err)
	}

	// simulate: newer set staged, live already renamed away
	newer := testMaterial(t, "a.example.org", 2*selfSignedValidity, false)
	if err := s.Publish("a", newer); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(base, "new", "a")
	if err := os.Rename(s.LivePath("a"), staged); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(base, 3)
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := s2.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "a" {
		t.Fatalf("recovered %v, want [a]", recovered)
	}
	live, err := s2.ReadLive("a")
	if err != nil {
		t.Fatal(err)
	}
	if live.Meta.Serial != newer.Meta.Serial {
		t.Error("recovery published the wrong set")
	}
}

func TestRecoverLeavesStagedKeyAlone(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	key, _ := GenerateKey(KeyECDSAP256)
	keyPEM, _ := PEMEncodeKey(key)
	if err := s.StageKey("a", keyPEM); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recover(); err != nil {
		t.Fatal(err)
	}
	// the bare staged key belongs to an in-flight order
	back, err := s.StagedKey("a")
	if err != nil {
		t.Fatal(err)
	}
	fp1, _ := PublicKeyFingerprint(key.Public())
	fp2, _ := PublicKeyFingerprint(back.Public())
	if fp1 != fp2 {
		t.Error("staged key changed across recovery")
	}
}

func TestRecoverDiscardsStaleStage(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	newer := testMaterial(t, "a.example.org", 2*selfSignedValidity, false)
	if err := s.Publish("a", newer); err != nil {
		t.Fatal(err)
	}
	// an older set left in the staging area must not clobber live
	older := testMaterial(t, "a.example.org", selfSignedValidity, false)
	stagedDir := filepath.Join(base, "new", "a")
	if err := s.Publish("tmp", older); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(s.LivePath("tmp"), stagedDir); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Recover(); err != nil {
		t.Fatal(err)
	}
	live, err := s.ReadLive("a")
	if err != nil {
		t.Fatal(err)
	}
	if live.Meta.Serial != newer.Meta.Serial {
		t.Error("stale staged set replaced live material")
	}
	if _, err := os.Stat(stagedDir); !os.IsNotExist(err) {
		t.Error("stale stage not discarded")
	}
}

func TestArchiveLive(t *testing.T) {
	base := t.TempDir()
	s, _ := NewStore(base, 3)
	m := testMaterial(t, "a.example.org", selfSignedValidity, false)
	if err := s.Publish("a", m); err != nil {
		t.Fatal(err)
	}
	if err := s.ArchiveLive("a"); err != nil {
		t.Fatal(err)
	}
	if s.HasLive("a") {
		t.Error("live set still present after archive")
	}
	if _, err := os.Stat(filepath.Join(base, "archive", "a", m.Meta.Serial, "meta.json")); err != nil {
		t.Errorf("archived set missing: %v", err)
	}
}

func TestBuildMaterialRejectsForeignKey(t *testing.T) {
	m := testMaterial(t, "a.example.org", selfSignedValidity, false)
	other, _ := GenerateKey(KeyECDSAP256)
	otherPEM, _ := PEMEncodeKey(other)
	if _, err := BuildMaterial(otherPEM, m.CertPEM, false); err == nil {
		t.Error("key/leaf mismatch accepted")
	}
}
