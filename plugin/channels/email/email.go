// Package email implements the email channel: SMTP outbound with markdown
// rendered to HTML, and plain-text extraction for HTML inbound.
package email

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "email-smtp",
		Name:        "Email (SMTP)",
		Category:    store.CategoryChannel,
		Version:     "1.0.0",
		Description: "Outbound guest email over SMTP with HTML rendering.",
		ChannelType: store.ChannelEmail,
		ConfigSchema: []apps.ConfigField{
			{Key: "host", Label: "SMTP host", Type: apps.FieldText, Required: true},
			{Key: "port", Label: "SMTP port", Type: apps.FieldNumber, Default: "587"},
			{Key: "username", Label: "Username", Type: apps.FieldText, Required: true},
			{Key: "password", Label: "Password", Type: apps.FieldPassword, Required: true},
			{Key: "fromEmail", Label: "From address", Type: apps.FieldText, Required: true},
			{Key: "fromName", Label: "From name", Type: apps.FieldText, Default: "Guest Services"},
		},
		Capabilities: []string{apps.CapInbound, apps.CapOutbound},
	}
}

func Register(registry *apps.Registry) {
	registry.Register(apps.Registration{
		Manifest: Manifest(),
		Factory: func(config map[string]any) (apps.Provider, error) {
			return NewAdapter(config)
		},
	})
}

type Adapter struct {
	host      string
	port      int
	username  string
	password  string
	fromEmail string
	fromName  string
	markdown  goldmark.Markdown
	limiter   *rate.Limiter

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewAdapter(config map[string]any) (*Adapter, error) {
	host, _ := config["host"].(string)
	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	fromEmail, _ := config["fromEmail"].(string)
	if host == "" || username == "" || password == "" || fromEmail == "" {
		return nil, errors.New("host, username, password and fromEmail are required")
	}

	port := 587
	switch v := config["port"].(type) {
	case float64:
		port = int(v)
	case int:
		port = v
	case string:
		fmt.Sscanf(v, "%d", &port)
	}
	if port <= 0 || port > 65535 {
		return nil, errors.Errorf("invalid SMTP port %d", port)
	}

	fromName, _ := config["fromName"].(string)
	return &Adapter{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		fromEmail: fromEmail,
		fromName:  fromName,
		markdown:  goldmark.New(),
		limiter:   rate.NewLimiter(rate.Limit(1), 3),
		send:      smtp.SendMail,
	}, nil
}

func (a *Adapter) addr() string {
	return fmt.Sprintf("%s:%d", a.host, a.port)
}

func (a *Adapter) Send(ctx context.Context, to string, msg *apps.OutboundMessage) (*apps.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}

	subject := "Message from Guest Services"
	if s, ok := msg.Metadata["subject"].(string); ok && s != "" {
		subject = s
	}
	body, err := a.buildMessage(to, subject, msg.Content)
	if err != nil {
		return nil, err
	}

	auth := smtp.PlainAuth("", a.username, a.password, a.host)
	done := make(chan error, 1)
	go func() {
		done <- a.send(a.addr(), auth, a.fromEmail, []string{to}, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			return &apps.SendResult{Status: "failed", Error: err.Error()}, nil
		}
		return &apps.SendResult{Status: "sent"}, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "smtp send cancelled")
	}
}

// buildMessage renders a multipart/alternative email: the raw content as
// text/plain, its markdown rendering as text/html.
func (a *Adapter) buildMessage(to, subject, content string) ([]byte, error) {
	var htmlBody bytes.Buffer
	if err := a.markdown.Convert([]byte(content), &htmlBody); err != nil {
		return nil, errors.Wrap(err, "failed to render html body")
	}

	from := a.fromEmail
	if a.fromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.fromName), a.fromEmail)
	}

	const boundary = "=-butler-alt-boundary"
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, content)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", boundary, htmlBody.String())
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes(), nil
}

// TestConnection dials the SMTP server and authenticates without sending.
func (a *Adapter) TestConnection(ctx context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	result := make(chan error, 1)
	go func() {
		client, err := smtp.Dial(a.addr())
		if err != nil {
			result <- err
			return
		}
		defer client.Close()
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(nil); err != nil {
				result <- err
				return
			}
		}
		result <- client.Auth(smtp.PlainAuth("", a.username, a.password, a.host))
	}()

	select {
	case err := <-result:
		if err != nil {
			return &apps.ConnectionTestResult{Success: false, Message: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
		}
		return &apps.ConnectionTestResult{Success: true, Message: "connected", LatencyMs: time.Since(start).Milliseconds()}
	case <-ctx.Done():
		return &apps.ConnectionTestResult{Success: false, Message: "connection test timed out", LatencyMs: time.Since(start).Milliseconds()}
	}
}

func (a *Adapter) Close() error { return nil }

// ExtractText reduces an HTML email body to plain text for the pipeline.
// Script and style subtrees are dropped; block boundaries become newlines.
func ExtractText(htmlBody string) string {
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return strings.TrimSpace(htmlBody)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head":
				return
			case "br", "p", "div", "tr", "li":
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	var cleaned []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, "\n")
}
