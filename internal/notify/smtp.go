package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers HTML mail with PLAIN auth over STARTTLS.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is required")
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}, nil
}

var templates = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html lang="en">
<body style="font-family: Arial, sans-serif; background-color: #f4f4f4; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px; background: #ffffff; border-radius: 8px;">
    <div style="background: #017035; padding: 20px; text-align: center; color: white; border-radius: 8px 8px 0 0;">
      <h1>Reset Your Password</h1>
    </div>
    <div style="padding: 20px; text-align: center;">
      <p>Hello,</p>
      <p>We received a request to reset your password. Your OTP is:</p>
      <div style="font-size: 36px; font-weight: bold; color: #017035; padding: 10px; background-color: #f0f0f0;">{{.Code}}</div>
      <p>The code expires in a few minutes. If you didn't request this, please ignore this email.</p>
    </div>
    <div style="text-align: center; padding: 20px 0; color: #BEBEBE; font-size: 12px; border-top: 1px solid #ddd;">
      <p>&copy; {{.SentAt.Year}} SMAIT GRANADA. All rights reserved.</p>
    </div>
  </div>
</body>
</html>`))

func init() {
	template.Must(templates.New(string(KindPasswordChanged)).Parse(`<p>Hello,</p>
<p>Your password has been changed successfully. If this was not you, please contact support immediately.</p>`))
}

var subjects = map[Kind]string{
	KindOTP:             "Reset your password",
	KindPasswordChanged: "Password Changed",
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	body, err := render(s.cfg.From, msg)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- s.sendMail(addr, auth, s.cfg.From, []string{msg.Address}, body) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func render(from string, msg Message) ([]byte, error) {
	subject, ok := subjects[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	name := string(msg.Kind)
	var html bytes.Buffer
	if err := templates.ExecuteTemplate(&html, name, msg); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Address)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.Write(html.Bytes())
	return []byte(b.String()), nil
}
