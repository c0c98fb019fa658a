package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/busybox42/elemta-core/internal/mail"
)

// Deliverer hands a mail to one remote host.
type Deliverer interface {
	Deliver(ctx context.Context, host string, m *mail.Mail) error
}

// DelivererFunc adapts a function into a Deliverer.
type DelivererFunc func(ctx context.Context, host string, m *mail.Mail) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, host string, m *mail.Mail) error {
	return f(ctx, host, m)
}

// SMTPDeliverer speaks SMTP to the remote host, using STARTTLS when offered.
type SMTPDeliverer struct {
	Hostname string
	Port     int
	Timeout  time.Duration
	// TLSConfig is cloned for each connection. Nil uses a default config
	// with the remote host as server name.
	TLSConfig *tls.Config

	logger *slog.Logger
}

// NewSMTPDeliverer creates a deliverer announcing itself as hostname.
func NewSMTPDeliverer(hostname string, port int, timeout time.Duration) *SMTPDeliverer {
	if port == 0 {
		port = 25
	}
	return &SMTPDeliverer{
		Hostname: hostname,
		Port:     port,
		Timeout:  timeout,
		logger:   slog.Default().With("component", "smtp-deliverer"),
	}
}

// Deliver implements Deliverer.
func (d *SMTPDeliverer) Deliver(ctx context.Context, host string, m *mail.Mail) error {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(d.Port))
	client, stop, err := d.open(ctx, addr, host)
	if err != nil {
		return err
	}
	defer stop()
	defer func() { _ = client.Close() }()

	if err := client.Mail(m.Sender, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range m.Recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(m.Body)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	if err := client.Quit(); err != nil {
		d.logger.Debug("QUIT failed", "host", host, "error", err)
	}
	return nil
}

// open returns a session that has completed EHLO, upgraded with STARTTLS
// when the host offers it. go-smtp only upgrades a fresh session, so a host
// advertising STARTTLS is dialed a second time.
func (d *SMTPDeliverer) open(ctx context.Context, addr, host string) (*smtp.Client, func() bool, error) {
	conn, stop, err := d.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	client := d.newClient(conn)
	if err := client.Hello(d.Hostname); err != nil {
		_ = client.Close()
		stop()
		return nil, nil, fmt.Errorf("EHLO failed: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); !ok {
		return client, stop, nil
	}
	_ = client.Quit()
	stop()

	if conn, stop, err = d.dial(ctx, addr); err != nil {
		return nil, nil, err
	}
	client, err = smtp.NewClientStartTLS(conn, d.tlsConfig(host))
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("STARTTLS failed: %w", err)
	}
	if d.Timeout > 0 {
		client.CommandTimeout = d.Timeout
	}
	if err := client.Hello(d.Hostname); err != nil {
		_ = client.Close()
		stop()
		return nil, nil, fmt.Errorf("EHLO after STARTTLS failed: %w", err)
	}
	d.logger.Debug("STARTTLS successful", "host", host)
	return client, stop, nil
}

func (d *SMTPDeliverer) dial(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	// Closing the connection unblocks the client if ctx ends mid-session.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return conn, stop, nil
}

func (d *SMTPDeliverer) newClient(conn net.Conn) *smtp.Client {
	client := smtp.NewClient(conn)
	if d.Timeout > 0 {
		client.CommandTimeout = d.Timeout
	}
	return client
}

func (d *SMTPDeliverer) tlsConfig(host string) *tls.Config {
	if d.TLSConfig == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	cfg := d.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
