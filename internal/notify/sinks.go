package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"facewatch/internal/config"
)

// Sink delivers one rendered notification to one external target. Sinks are
// independent: one sink's failure never blocks or rolls back another's.
type Sink interface {
	Name() string
	Type() config.SinkType
	Send(ctx context.Context, n Notification) error
}

// DefaultTemplate is the payload rendered when a sink has no template of its
// own. Placeholders follow the long-standing convention of the config UI.
const DefaultTemplate = `{"name":"[[name]]","image_url":"[[image_url]]","time":"[[time]]","date":"[[date]]","timestamp":"[[timestamp]]"}`

// RenderTemplate expands the [[name]], [[time]], [[date]], [[image_url]] and
// [[timestamp]] placeholders. Times render as local wall clock.
func RenderTemplate(tpl string, n Notification) string {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r := strings.NewReplacer(
		"[[name]]", n.Name,
		"[[time]]", ts.Format("15:04:05"),
		"[[date]]", ts.Format("2006-01-02"),
		"[[image_url]]", n.ImageURL,
		"[[timestamp]]", strconv.FormatInt(ts.Unix(), 10),
	)
	return r.Replace(tpl)
}

// BuildSinks constructs the sink set for one configuration snapshot.
func BuildSinks(snap *config.Snapshot) []Sink {
	client := &http.Client{Timeout: 5 * time.Second}
	sinks := make([]Sink, 0, len(snap.Sinks))
	for _, sc := range snap.Sinks {
		tpl := sc.Template
		if tpl == "" {
			tpl = DefaultTemplate
		}
		switch sc.Type {
		case config.SinkUDP:
			sinks = append(sinks, &UDPSink{addr: sc.Target, template: tpl})
		case config.SinkHTTPPost:
			sinks = append(sinks, &HTTPPostSink{url: sc.Target, template: tpl, client: client})
		case config.SinkHTTPGet:
			sinks = append(sinks, &HTTPGetSink{target: sc.Target, user: sc.User, pass: sc.Pass, client: client})
		}
	}
	return sinks
}

// GetSinks filters sinks down to the http_get ones (text-input style targets
// that display a bare name).
func GetSinks(sinks []Sink) []Sink {
	var out []Sink
	for _, s := range sinks {
		if s.Type() == config.SinkHTTPGet {
			out = append(out, s)
		}
	}
	return out
}

// UDPSink sends the rendered payload as a single datagram. Fire-and-forget:
// there is no delivery guarantee by design.
type UDPSink struct {
	addr     string
	template string
}

func (s *UDPSink) Name() string          { return "udp:" + s.addr }
func (s *UDPSink) Type() config.SinkType { return config.SinkUDP }

func (s *UDPSink) Send(ctx context.Context, n Notification) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("udp dial %s: %w", s.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte(RenderTemplate(s.template, n))); err != nil {
		return fmt.Errorf("udp write %s: %w", s.addr, err)
	}
	return nil
}

// HTTPPostSink posts the rendered payload as a JSON body.
type HTTPPostSink struct {
	url      string
	template string
	client   *http.Client
}

func (s *HTTPPostSink) Name() string          { return "http_post:" + s.url }
func (s *HTTPPostSink) Type() config.SinkType { return config.SinkHTTPPost }

func (s *HTTPPostSink) Send(ctx context.Context, n Notification) error {
	body := RenderTemplate(s.template, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("http_post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http_post %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http_post %s: status %d", s.url, resp.StatusCode)
	}
	return nil
}

// HTTPGetSink issues a GET to a URL template. This covers the Loxone virtual
// text input convention (http://host/dev/sps/io/<input>/[[name]]) as well as
// plain query-parameter targets (...?name=[[name]]&ts=[[timestamp]]). The
// name is path-escaped before expansion.
type HTTPGetSink struct {
	target string
	user   string
	pass   string
	client *http.Client
}

func (s *HTTPGetSink) Name() string          { return "http_get:" + s.target }
func (s *HTTPGetSink) Type() config.SinkType { return config.SinkHTTPGet }

func (s *HTTPGetSink) Send(ctx context.Context, n Notification) error {
	escaped := n
	escaped.Name = url.PathEscape(n.Name)
	target := RenderTemplate(s.target, escaped)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("http_get request: %w", err)
	}
	if s.user != "" || s.pass != "" {
		req.SetBasicAuth(s.user, s.pass)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http_get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http_get %s: status %d", target, resp.StatusCode)
	}
	return nil
}
