// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	for _, addr := range to {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}
	if strings.ContainsAny(subject, "\r\n") {
		return errors.New("invalid subject")
	}

	boundary := "boundary-hoa-campaign"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// WelcomeData is the body of a welcome email for a newly approved member.
type WelcomeData struct {
	Email        string `json:"email"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	TempPassword string `json:"tempPassword"`
	CampaignName string `json:"-"`
	SignInURL    string `json:"-"`
}

func (d WelcomeData) Validate() error {
	var missing []string
	if strings.TrimSpace(d.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(d.TempPassword) == "" {
		missing = append(missing, "tempPassword")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SendWelcomeEmail sends sign-in instructions with the temporary password.
func (s *Service) SendWelcomeEmail(data WelcomeData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	if data.CampaignName == "" {
		data.CampaignName = s.config.FromName
	}

	html, err := renderTemplate(welcomeTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\r\n\r\nYour account for %s is ready.\r\nUsername: %s\r\nTemporary password: %s\r\nSign in at %s and choose a new password.",
		strings.TrimSpace(data.FirstName+" "+data.LastName), data.CampaignName, data.Email, data.TempPassword, data.SignInURL)
	subject := "Welcome to " + data.CampaignName
	return s.SendHTMLEmail([]string{data.Email}, subject, text, html)
}

var welcomeTemplate = template.Must(template.New("welcome").Parse(welcomeEmailTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const welcomeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.CampaignName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6b3a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6b3a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .credentials { background: #f4f7f4; padding: 12px; border-radius: 4px; font-family: monospace; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.CampaignName}}</h1>
    </div>

    <h2>Welcome, {{.FirstName}} {{.LastName}}!</h2>

    <p>Your registration has been approved. Sign in with the credentials below; you will be asked to choose a new password.</p>

    <div class="credentials">
        Username: {{.Email}}<br>
        Temporary password: {{.TempPassword}}
    </div>

    {{if .SignInURL}}<p>
        <a href="{{.SignInURL}}" class="button">Sign In</a>
    </p>{{end}}

    <div class="footer">
        <p>If you did not register for {{.CampaignName}}, you can ignore this email.</p>
    </div>
</body>
</html>`
