package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/certcentral/certcentral/log"
)

const (
	EventIssued  = "issued"
	EventFailed  = "failed"
	EventExpired = "expired"
	EventRevoked = "revoked"
)

// NotifyEvent is the body delivered to the webhook or mailed to the
// operators. Detail never contains key material.
type NotifyEvent struct {
	Event  string    `json:"event"`
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Notifier fans lifecycle events out to an optional webhook and an
// optional e-mail target. Delivery is fire-and-forget; a failed
// notification is logged and dropped.
type Notifier struct {
	cfg *NotifyConfig
	hc  *http.Client
}

func NewNotifier(cfg *NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		hc:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) enabled() bool {
	return n.cfg != nil && (n.cfg.URL != "" || n.cfg.Email != nil)
}

func (n *Notifier) Send(event, name, detail string) {
	if !n.enabled() {
		return
	}
	ev := NotifyEvent{Event: event, Name: name, Detail: detail, Time: time.Now().UTC()}
	go func() {
		if n.cfg.URL != "" {
			if err := n.sendWebhook(ev); err != nil {
				log.Warning("notify: webhook delivery failed: %v", err)
			}
		}
		if n.cfg.Email != nil {
			if err := n.sendEmail(ev); err != nil {
				log.Warning("notify: e-mail delivery failed: %v", err)
			}
		}
	}()
}

func (n *Notifier) sendWebhook(ev NotifyEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	method := n.cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := n.hc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	log.Debug("notify: webhook delivered %s event for %s", ev.Event, ev.Name)
	return nil
}

func (n *Notifier) sendEmail(ev NotifyEvent) error {
	ec := n.cfg.Email
	m := gomail.NewMessage()
	m.SetHeader("From", ec.From)
	m.SetHeader("To", ec.To)
	m.SetHeader("Subject", fmt.Sprintf("certcentral: %s %s", ev.Name, ev.Event))
	m.SetBody("text/plain", fmt.Sprintf("certificate: %s\nevent: %s\ndetail: %s\ntime: %s\n",
		ev.Name, ev.Event, ev.Detail, ev.Time.Format(time.RFC3339)))

	port := ec.SMTPPort
	if port == 0 {
		port = 587
	}
	d := gomail.Dialer{Host: ec.SMTPHost, Port: port}
	if ec.Username != "" {
		d.Username = ec.Username
		d.Password = ec.Password
	}
	if err := d.DialAndSend(m); err != nil {
		return err
	}
	log.Debug("notify: mailed %s event for %s to %s", ev.Event, ev.Name, ec.To)
	return nil
}
