// Package notify delivers best-effort assignment notices. Delivery runs
// after the routing transaction commits and its failure never rolls back or
// blocks a transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notice is the content of one assignment notification.
type Notice struct {
	Event        string `json:"event"`
	TrialID      string `json:"trial_id"`
	CardNo       string `json:"card_no"`
	PatternCode  string `json:"pattern_code"`
	DepartmentID string `json:"department_id"`
	Remarks      string `json:"remarks,omitempty"`
	Link         string `json:"link"`
}

// Notifier is the engine-facing collaborator contract.
type Notifier interface {
	Notify(ctx context.Context, account domain.Account, n Notice) error
}

// Dispatcher posts notices to a webhook-style relay (the mail bridge lives
// behind it). Zero value with empty URL is a disabled dispatcher.
type Dispatcher struct {
	URL      string
	Secret   string
	LinkBase string
	Timeout  time.Duration
	client   *http.Client
}

// FromConfig builds a dispatcher from the notifier config section; returns
// nil when notifications are disabled.
func FromConfig(cfg *config.Config) *Dispatcher {
	if !cfg.Notifier.Enabled || strings.TrimSpace(cfg.Notifier.URL) == "" {
		return nil
	}
	timeout := defaultTimeout
	if cfg.Notifier.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Notifier.TimeoutSeconds) * time.Second
	}
	return &Dispatcher{
		URL:      cfg.Notifier.URL,
		Secret:   cfg.Notifier.Secret,
		LinkBase: cfg.Notifier.LinkBase,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

type noticeBody struct {
	Notice
	To          string `json:"to"`
	ToEmail     string `json:"to_email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (d *Dispatcher) Notify(ctx context.Context, account domain.Account, n Notice) error {
	if d == nil || strings.TrimSpace(d.URL) == "" {
		return nil
	}
	if n.Link == "" && d.LinkBase != "" {
		n.Link = strings.TrimRight(d.LinkBase, "/") + "/trials/" + n.TrialID
	}
	body := noticeBody{
		Notice:      n,
		To:          account.Username,
		ToEmail:     account.Email,
		DisplayName: account.DisplayName,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trialcard-Event", n.Event)
	req.Header.Set("X-Trialcard-Trial", n.TrialID)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-Trialcard-Secret", d.Secret)
	}
	res, err := d.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// httpClient never caches on a bare Dispatcher: Notify runs on a goroutine
// per committed transition, so writing d.client here would race.
func (d *Dispatcher) httpClient() *http.Client {
	if d.client != nil {
		return d.client
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
