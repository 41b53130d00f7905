// Package email sends account and processing notices over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"manuscript/api/internal/config"
)

const appName = "Manuscript Review"

var ErrNotConfigured = errors.New("email not configured")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config config.SMTPConfig
	server string
	auth   smtp.Auth
	send   sendFunc
	logger *zap.Logger
}

func NewService(cfg config.SMTPConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Service{
		config: cfg,
		server: cfg.Host + ":" + cfg.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-manuscript-review"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	s.logger.Info("email sent", zap.String("subject", subject), zap.Int("recipients", len(to)))
	return nil
}

type message struct {
	AppName  string
	UserName string
	Heading  string
	Body     string
	LinkText string
	LinkURL  string
	Footer   string
}

func (s *Service) sendMessage(to, subject string, m message) error {
	m.AppName = appName
	html, err := renderTemplate(m)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	text := m.Body
	if m.LinkURL != "" {
		text += "\n\n" + m.LinkURL
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	return s.sendMessage(to, "Verify your "+appName+" account", message{
		UserName: userName,
		Heading:  "Welcome, " + userName + "!",
		Body:     "Please verify your email address to activate your account. This link expires in 24 hours.",
		LinkText: "Verify Email Address",
		LinkURL:  verificationURL,
		Footer:   "If you didn't create an account, you can safely ignore this email.",
	})
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	return s.sendMessage(to, "Reset your "+appName+" password", message{
		UserName: userName,
		Heading:  "Password Reset Request",
		Body:     "We received a request to reset your password. This link expires in 1 hour.",
		LinkText: "Reset Password",
		LinkURL:  resetURL,
		Footer:   "If you didn't request a password reset, your password will remain unchanged.",
	})
}

// SendExtractionNotice tells the uploader how extraction of a book ended.
// failure is empty on success.
func (s *Service) SendExtractionNotice(to, userName, bookTitle, bookURL, failure string) error {
	m := message{
		UserName: userName,
		LinkText: "Open Book",
		LinkURL:  bookURL,
	}
	subject := "Extraction finished: " + bookTitle
	if failure == "" {
		m.Heading = "Your book is ready"
		m.Body = fmt.Sprintf("Extraction of %q completed. You can now split it into question, answer key and explanation files.", bookTitle)
	} else {
		subject = "Extraction failed: " + bookTitle
		m.Heading = "Extraction failed"
		m.Body = fmt.Sprintf("Extraction of %q failed: %s", bookTitle, failure)
	}
	return s.sendMessage(to, subject, m)
}

var messageTemplate = template.Must(template.New("email").Parse(messageHTML))

func renderTemplate(data message) (string, error) {
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

const messageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Heading}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0f766e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0f766e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0f766e; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>{{.Heading}}</h2>
    {{if .UserName}}<p>Hi {{.UserName}},</p>{{end}}
    <p>{{.Body}}</p>
    {{if .LinkURL}}
    <p><a href="{{.LinkURL}}" class="button">{{.LinkText}}</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.LinkURL}}</p>
    {{end}}
    {{if .Footer}}<div class="footer"><p>{{.Footer}}</p></div>{{end}}
</body>
</html>`
