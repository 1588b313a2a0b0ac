package database

import (
	"encoding/json"
	"time"

	"github.com/tidwall/buntdb"
)

// CertRecord is the persisted snapshot of one certificate's scheduler
// state. Pending order URLs survive restarts so in-flight orders resume
// instead of being reissued.
type CertRecord struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"next_attempt"`
	UpdatedAt   time.Time `json:"updated_at"`

	OrderURL       string   `json:"order_url,omitempty"`
	AuthzURLs      []string `json:"authz_urls,omitempty"`
	FinalizeURL    string   `json:"finalize_url,omitempty"`
	CertificateURL string   `json:"certificate_url,omitempty"`
}

// Account is a registered ACME account: the learned account URL keyed by
// the configured account id.
type Account struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

type Database struct {
	path string
	db   *buntdb.DB
}

func NewDatabase(path string) (*Database, error) {
	var err error
	d := &Database{
		path: path,
	}

	d.db, err = buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	d.db.Shrink()
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Flush() {
	d.db.Shrink()
}

func (d *Database) genIndex(table_name string, key string) string {
	return table_name + ":" + key
}

func (d *Database) SaveCertRecord(r *CertRecord) error {
	r.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex("certs", r.Name), string(val), nil)
		return err
	})
}

// GetCertRecord returns nil without error when no snapshot exists yet.
func (d *Database) GetCertRecord(name string) (*CertRecord, error) {
	var r *CertRecord
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genIndex("certs", name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		r = &CertRecord{}
		return json.Unmarshal([]byte(val), r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Database) ListCertRecords() ([]*CertRecord, error) {
	var records []*CertRecord
	err := d.db.View(func(tx *buntdb.Tx) error {
		var jerr error
		tx.AscendKeys("certs:*", func(key, val string) bool {
			r := &CertRecord{}
			if err := json.Unmarshal([]byte(val), r); err != nil {
				jerr = err
				return false
			}
			records = append(records, r)
			return true
		})
		return jerr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) DeleteCertRecord(name string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(d.genIndex("certs", name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (d *Database) SaveAccount(id, url string) error {
	val, err := json.Marshal(&Account{ID: id, URL: url, RegisteredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex("accounts", id), string(val), nil)
		return err
	})
}

// GetAccountURL returns "" when the account was never registered.
func (d *Database) GetAccountURL(id string) (string, error) {
	var url string
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genIndex("accounts", id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var a Account
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			return err
		}
		url = a.URL
		return nil
	})
	return url, err
}
