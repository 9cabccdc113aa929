package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/devblac/escrow-watch/internal/alert"
)

// Event is the data passed to sinks: an alert plus where it was triggered.
type Event struct {
	Alert       alert.Alert `json:"alert"`
	Network     string      `json:"network"`
	Block       uint64      `json:"block"`
	TxHash      string      `json:"tx_hash"`
	LogIndex    uint        `json:"log_index"`
	Fingerprint string      `json:"fingerprint"`
}

type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// StatusError is returned when a sink answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink http status %d", e.Code)
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, ev Event) error {
	bodyStr, err := executeTemplate(s.render, ev)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// streamSender writes one JSON object per event, e.g. to stdout.
type streamSender struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStreamSender builds a sink that writes JSON lines to w.
func NewStreamSender(w io.Writer) Sender {
	return &streamSender{enc: json.NewEncoder(w)}
}

func (s *streamSender) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Filtered drops events whose severity is not in the allowed set.
type Filtered struct {
	Sender
	allow map[alert.Severity]struct{}
}

// WithSeverities wraps s so only the given severities are delivered. An empty
// list delivers everything.
func WithSeverities(s Sender, severities []alert.Severity) Sender {
	if len(severities) == 0 {
		return s
	}
	allow := make(map[alert.Severity]struct{}, len(severities))
	for _, sev := range severities {
		allow[sev] = struct{}{}
	}
	return &Filtered{Sender: s, allow: allow}
}

// Accepts reports whether the event passes the severity filter.
func (f *Filtered) Accepts(ev Event) bool {
	_, ok := f.allow[ev.Alert.Severity]
	return ok
}

func (f *Filtered) Send(ctx context.Context, ev Event) error {
	if !f.Accepts(ev) {
		return nil
	}
	return f.Sender.Send(ctx, ev)
}

// Accepts reports whether s would deliver ev; unfiltered senders accept all.
func Accepts(s Sender, ev Event) bool {
	if f, ok := s.(*Filtered); ok {
		return f.Accepts(ev)
	}
	return true
}

const defaultTemplate = "ALERT {{.Alert.AlertID}} [{{.Alert.Severity}}] {{.Alert.Name}} block {{.Block}} tx {{short_addr .TxHash}}"

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
