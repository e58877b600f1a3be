// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mail sends crash and stats report e-mails over SMTP, grounded on
// syz-cluster/email-reporter/sender.go's smtpSender/rawEmail shape,
// adapted to take SMTP credentials directly from the loaded TOML config
// rather than through a cloud secret-manager indirection (spec.md's
// scope has no secret-manager collaborator).
package mail

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
)

// Config is the "mail?" optional TOML section (spec.md §6.5).
type Config struct {
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	FromName string   `toml:"from_name"`
	To       []string `toml:"to"`
}

// Check validates Config.
func (c Config) Check() error {
	if c.Host == "" {
		return fmt.Errorf("mail: host must not be empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("mail: port must be positive, got %d", c.Port)
	}
	if c.From == "" {
		return fmt.Errorf("mail: from must not be empty")
	}
	if len(c.To) == 0 {
		return fmt.Errorf("mail: to must list at least one recipient")
	}
	return nil
}

// Sender dispatches plain-text e-mails over SMTP; implements
// pkg/record.Mailer and pkg/stats.Mailer.
type Sender struct {
	cfg Config
}

// New constructs a Sender from cfg.
func New(cfg Config) *Sender {
	return &Sender{cfg: cfg}
}

// Send builds a raw RFC 5322 message with a fresh Message-ID and relays
// it via smtp.SendMail.
func (s *Sender) Send(subject, body string) error {
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)
	msg := rawEmail(s.cfg, subject, body, msgID)
	auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return smtp.SendMail(addr, auth, s.cfg.From, s.cfg.To, msg)
}

func rawEmail(cfg Config, subject, body, msgID string) []byte {
	var msg bytes.Buffer
	name := cfg.FromName
	if name == "" {
		name = "Healer Fuzzer"
	}
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", name, cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", msgID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}
