package core

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultRenewalRatio     = 2.0 / 3.0
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffCap       = time.Hour
	DefaultWorkers          = 4
	DefaultConcurrentOrders = 4
	DefaultGracePeriod      = 30 * time.Second
	DefaultArchiveKeep      = 5
)

var certNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type AccountConfig struct {
	Directory string   `mapstructure:"directory"`
	Contact   []string `mapstructure:"contact"`
	KeyPath   string   `mapstructure:"key_path"`
	KeyType   string   `mapstructure:"key_type"`
}

type HTTP01Config struct {
	ChallengesDir string   `mapstructure:"challenges_dir"`
	SelfCheckURLs []string `mapstructure:"self_check_urls"`
}

type DNSProviderConfig struct {
	Driver         string            `mapstructure:"driver"`
	Zones          []string          `mapstructure:"zones"`
	Credentials    map[string]string `mapstructure:"credentials"`
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	CommandTimeout time.Duration     `mapstructure:"command_timeout"`
	Addresses      []string          `mapstructure:"addresses"`
	TTL            uint32            `mapstructure:"ttl"`
}

type DNS01Config struct {
	Providers          map[string]*DNSProviderConfig `mapstructure:"providers"`
	Resolver           string                        `mapstructure:"resolver"`
	PropagationTimeout time.Duration                 `mapstructure:"propagation_timeout"`
	StandaloneBind     string                        `mapstructure:"standalone_bind"`
}

// covers reports whether some provider zone is a suffix of name. A
// wildcard is covered when its base name is.
func (dc *DNS01Config) covers(name string) bool {
	name = strings.TrimPrefix(name, "*.")
	for _, pc := range dc.Providers {
		for _, zone := range pc.Zones {
			if name == zone || strings.HasSuffix(name, "."+zone) {
				return true
			}
		}
	}
	return false
}

type ChallengesConfig struct {
	HTTP01 *HTTP01Config `mapstructure:"http01"`
	DNS01  *DNS01Config  `mapstructure:"dns01"`
}

type CertificateConfig struct {
	CN          string        `mapstructure:"cn"`
	SAN         []string      `mapstructure:"san"`
	KeyType     string        `mapstructure:"key_type"`
	Challenge   string        `mapstructure:"challenge"`
	Account     string        `mapstructure:"account"`
	Staging     bool          `mapstructure:"staging"`
	StagingTime time.Duration `mapstructure:"staging_time"`
}

// Names returns the identifier set: CN first, then SANs, deduplicated.
func (cc *CertificateConfig) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range append([]string{cc.CN}, cc.SAN...) {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

type SchedulerConfig struct {
	Workers          int           `mapstructure:"workers"`
	RenewalRatio     float64       `mapstructure:"renewal_ratio"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	ConcurrentOrders int           `mapstructure:"concurrent_orders"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
}

type StoreConfig struct {
	BasePath    string `mapstructure:"base_path"`
	ArchiveKeep int    `mapstructure:"archive_keep"`
}

type HTTPConfig struct {
	ChallengeBind string `mapstructure:"challenge_bind"`
	ControlBind   string `mapstructure:"control_bind"`
	ProxyURL      string `mapstructure:"proxy_url"`
}

type EmailConfig struct {
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type NotifyConfig struct {
	URL    string       `mapstructure:"url"`
	Method string       `mapstructure:"method"`
	Email  *EmailConfig `mapstructure:"email"`
}

type Config struct {
	filePath string
	cfg      *viper.Viper

	Accounts     map[string]*AccountConfig     `mapstructure:"accounts"`
	Challenges   ChallengesConfig              `mapstructure:"challenges"`
	Certificates map[string]*CertificateConfig `mapstructure:"certificates"`
	Scheduler    SchedulerConfig               `mapstructure:"scheduler"`
	Store        StoreConfig                   `mapstructure:"store"`
	HTTP         HTTPConfig                    `mapstructure:"http"`
	Notify       NotifyConfig                  `mapstructure:"notify"`
}

// LoadConfig reads and validates the YAML configuration. Unknown keys are
// a startup failure, not a warning.
func LoadConfig(path string) (*Config, error) {
	c := &Config{filePath: path}
	c.cfg = viper.New()
	c.cfg.SetConfigType("yaml")
	c.cfg.SetConfigFile(path)

	c.cfg.SetDefault("scheduler.workers", DefaultWorkers)
	c.cfg.SetDefault("scheduler.renewal_ratio", DefaultRenewalRatio)
	c.cfg.SetDefault("scheduler.backoff_base", DefaultBackoffBase)
	c.cfg.SetDefault("scheduler.backoff_cap", DefaultBackoffCap)
	c.cfg.SetDefault("scheduler.concurrent_orders", DefaultConcurrentOrders)
	c.cfg.SetDefault("scheduler.grace_period", DefaultGracePeriod)
	c.cfg.SetDefault("store.archive_keep", DefaultArchiveKeep)
	c.cfg.SetDefault("http.control_bind", "127.0.0.1:9191")

	if err := c.cfg.ReadInConfig(); err != nil {
		return nil, configErr("read %s: %v", path, err)
	}
	if err := c.cfg.UnmarshalExact(c); err != nil {
		return nil, configErr("parse %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Path() string {
	return c.filePath
}

func (c *Config) validate() error {
	if c.Store.BasePath == "" {
		return configErr("store.base_path is required")
	}
	if len(c.Accounts) == 0 {
		return configErr("at least one account is required")
	}
	for id, ac := range c.Accounts {
		if ac.Directory == "" {
			return configErr("account %s: directory is required", id)
		}
		if u, err := url.Parse(ac.Directory); err != nil || (u.Scheme != "https" && u.Scheme != "http") {
			return configErr("account %s: directory %q is not a valid URL", id, ac.Directory)
		}
		if ac.KeyPath == "" {
			return configErr("account %s: key_path is required", id)
		}
		for _, contact := range ac.Contact {
			if !strings.HasPrefix(contact, "mailto:") {
				return configErr("account %s: contact %q must be a mailto: URL", id, contact)
			}
		}
		if ac.KeyType == "" {
			ac.KeyType = string(KeyRSA2048)
		}
		if err := validKeyType(ac.KeyType); err != nil {
			return configErr("account %s: %v", id, err)
		}
	}
	if c.Challenges.DNS01 != nil {
		for id, pc := range c.Challenges.DNS01.Providers {
			if len(pc.Zones) == 0 {
				return configErr("dns01 provider %s: zones is required", id)
			}
			for i, zone := range pc.Zones {
				normalized, err := NormalizeName(zone)
				if err != nil {
					return configErr("dns01 provider %s: %v", id, err)
				}
				pc.Zones[i] = normalized
			}
			switch pc.Driver {
			case "rfc2136", "exec", "standalone", "memory":
			default:
				return configErr("dns01 provider %s: unknown driver %q", id, pc.Driver)
			}
		}
	}
	for name, cc := range c.Certificates {
		if !certNameRe.MatchString(name) {
			return configErr("certificate %q: name must match %s", name, certNameRe.String())
		}
		if cc.CN == "" {
			return configErr("certificate %s: cn is required", name)
		}
		cn, err := NormalizeName(cc.CN)
		if err != nil {
			return configErr("certificate %s: %v", name, err)
		}
		cc.CN = cn
		for i, san := range cc.SAN {
			n, err := NormalizeName(san)
			if err != nil {
				return configErr("certificate %s: %v", name, err)
			}
			cc.SAN[i] = n
		}
		if cc.KeyType == "" {
			cc.KeyType = string(KeyECDSAP256)
		}
		if err := validKeyType(cc.KeyType); err != nil {
			return configErr("certificate %s: %v", name, err)
		}
		switch cc.Challenge {
		case ChallengeHTTP01:
			if c.Challenges.HTTP01 == nil || c.Challenges.HTTP01.ChallengesDir == "" {
				return configErr("certificate %s: http-01 requires challenges.http01.challenges_dir", name)
			}
		case ChallengeDNS01:
			if c.Challenges.DNS01 == nil || len(c.Challenges.DNS01.Providers) == 0 {
				return configErr("certificate %s: dns-01 requires challenges.dns01.providers", name)
			}
			for _, n := range cc.Names() {
				if !c.Challenges.DNS01.covers(n) {
					return configErr("certificate %s: no dns01 provider zone covers %s", name, n)
				}
			}
		default:
			return configErr("certificate %s: unknown challenge %q", name, cc.Challenge)
		}
		if _, ok := c.Accounts[cc.Account]; !ok {
			return configErr("certificate %s: unknown account %q", name, cc.Account)
		}
		if cc.StagingTime < 0 {
			return configErr("certificate %s: staging_time cannot be negative", name)
		}
	}
	sc := &c.Scheduler
	if sc.Workers < 1 {
		return configErr("scheduler.workers must be at least 1")
	}
	if sc.RenewalRatio <= 0 || sc.RenewalRatio >= 1 {
		return configErr("scheduler.renewal_ratio must be between 0 and 1")
	}
	if sc.BackoffBase <= 0 || sc.BackoffCap < sc.BackoffBase {
		return configErr("scheduler backoff_base/backoff_cap are inconsistent")
	}
	if sc.ConcurrentOrders < 1 {
		return configErr("scheduler.concurrent_orders must be at least 1")
	}
	if c.Notify.Method != "" && c.Notify.Method != "GET" && c.Notify.Method != "POST" {
		return configErr("notify.method must be GET or POST")
	}
	return nil
}

func validKeyType(kt string) error {
	switch KeyType(kt) {
	case KeyRSA2048, KeyRSA3072, KeyRSA4096, KeyECDSAP256, KeyECDSAP384:
		return nil
	}
	return fmt.Errorf("unknown key type %q", kt)
}

// CertNames returns the configured certificate names, sorted.
func (c *Config) CertNames() []string {
	names := make([]string, 0, len(c.Certificates))
	for name := range c.Certificates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
