// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-despacho"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Por favor abra este correo en un cliente con soporte HTML.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type registrationData struct {
	AppName  string
	UserName string
	Email    string
}

type approvedData struct {
	AppName  string
	UserName string
	Role     string
}

type caseUpdateData struct {
	AppName    string
	UserName   string
	CaseNumber string
	CaseTitle  string
	Detail     string
}

// SendRegistrationPending notifies an administrator that a new account
// awaits approval.
func (s *Service) SendRegistrationPending(to, adminName, userName, userEmail string) error {
	data := registrationData{
		AppName:  "Despacho",
		UserName: userName,
		Email:    userEmail,
	}

	subject := fmt.Sprintf("Nuevo registro pendiente: %s", userName)
	html, err := renderTemplate(registrationPendingTemplate, data)
	if err != nil {
		return fmt.Errorf("render registration template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendAccountApproved tells a user their account is active.
func (s *Service) SendAccountApproved(to, userName, role string) error {
	data := approvedData{
		AppName:  "Despacho",
		UserName: userName,
		Role:     role,
	}

	subject := "Su cuenta ha sido aprobada"
	html, err := renderTemplate(accountApprovedTemplate, data)
	if err != nil {
		return fmt.Errorf("render approval template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendCaseUpdate covers new versions, comments and assignments.
func (s *Service) SendCaseUpdate(to, userName, caseNumber, caseTitle, detail string) error {
	data := caseUpdateData{
		AppName:    "Despacho",
		UserName:   userName,
		CaseNumber: caseNumber,
		CaseTitle:  caseTitle,
		Detail:     detail,
	}

	subject := fmt.Sprintf("Actualización del caso %s", caseNumber)
	html, err := renderTemplate(caseUpdateTemplate, data)
	if err != nil {
		return fmt.Errorf("render case update template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const registrationPendingTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Nuevo registro en {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Nuevo registro pendiente</h2>

    <p>El usuario <strong>{{.UserName}}</strong> ({{.Email}}) solicitó acceso al sistema.</p>

    <p>Ingrese al panel de administración para aprobar o rechazar la cuenta.</p>

    <div class="footer">
        <p>Este es un mensaje automático de {{.AppName}}.</p>
    </div>
</body>
</html>`

const accountApprovedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Cuenta aprobada en {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Bienvenido, {{.UserName}}</h2>

    <p>Su cuenta fue aprobada con el rol <strong>{{.Role}}</strong>. Ya puede iniciar sesión en el sistema.</p>

    <div class="footer">
        <p>Este es un mensaje automático de {{.AppName}}.</p>
    </div>
</body>
</html>`

const caseUpdateTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Actualización del caso {{.CaseNumber}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #f4f6f8; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hola, {{.UserName}}</h2>

    <p>Hay actividad nueva en el caso <strong>{{.CaseNumber}}</strong>: {{.CaseTitle}}.</p>

    <div class="detail">{{.Detail}}</div>

    <div class="footer">
        <p>Este es un mensaje automático de {{.AppName}}.</p>
    </div>
</body>
</html>`
