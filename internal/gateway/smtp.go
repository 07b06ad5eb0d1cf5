package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// SMTPGateway relays through a plain SMTP server. Single sends dial per
// message; batches keep one authenticated connection open.
type SMTPGateway struct {
	settings SMTPSettings
	from     string
	domain   string
	timeout  time.Duration
}

func NewSMTPGateway(s Settings, timeout time.Duration) (*SMTPGateway, error) {
	if s.SMTP.Host == "" {
		return nil, Misconfigured(ProviderSMTP, errors.New("smtp host is not set"))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	domain := "localhost"
	if at := strings.LastIndex(s.FromEmail, "@"); at >= 0 {
		domain = s.FromEmail[at+1:]
	}
	return &SMTPGateway{settings: s.SMTP, from: s.From(), domain: domain, timeout: timeout}, nil
}

func (g *SMTPGateway) Name() string { return ProviderSMTP }

func (g *SMTPGateway) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(g.settings.Port),
		mail.WithTimeout(g.timeout),
	}
	if g.settings.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(g.settings.Username),
			mail.WithPassword(g.settings.Password),
		)
	}
	if g.settings.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	c, err := mail.NewClient(g.settings.Host, opts...)
	if err != nil {
		return nil, Misconfigured(ProviderSMTP, fmt.Errorf("build smtp client: %w", err))
	}
	return c, nil
}

func (g *SMTPGateway) message(msg Message) (*mail.Msg, string, error) {
	if err := msg.validate(); err != nil {
		return nil, "", Rejected(ProviderSMTP, err)
	}
	m := mail.NewMsg()
	if err := m.From(g.from); err != nil {
		return nil, "", Misconfigured(ProviderSMTP, fmt.Errorf("sender address: %w", err))
	}
	if err := m.To(msg.To); err != nil {
		return nil, "", Rejected(ProviderSMTP, fmt.Errorf("recipient address: %w", err))
	}
	id := uuid.NewString() + "@" + g.domain
	m.SetGenHeader(mail.HeaderMessageID, "<"+id+">")
	m.Subject(msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}
	return m, id, nil
}

func (g *SMTPGateway) Send(ctx context.Context, msg Message) (Result, error) {
	m, id, err := g.message(msg)
	if err != nil {
		return Result{}, err
	}
	c, err := g.client()
	if err != nil {
		return Result{}, err
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return Result{}, classifySMTP(err)
	}
	return Result{MessageID: id, Gateway: ProviderSMTP}, nil
}

// OpenBatch dials and authenticates once. The returned batch is safe for
// concurrent use; sends are serialized on the connection.
func (g *SMTPGateway) OpenBatch(ctx context.Context) (Batch, error) {
	c, err := g.client()
	if err != nil {
		return nil, err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return nil, classifySMTP(err)
	}
	return &smtpBatch{gw: g, client: c}, nil
}

type smtpBatch struct {
	gw     *SMTPGateway
	mu     sync.Mutex
	client *mail.Client
}

func (b *smtpBatch) Name() string { return ProviderSMTP }

func (b *smtpBatch) Send(ctx context.Context, msg Message) (Result, error) {
	m, id, err := b.gw.message(msg)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, Transient(ProviderSMTP, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.client.Send(m)
	if connectionLost(err) {
		err = b.redial(ctx, m)
	}
	if err != nil {
		return Result{}, classifySMTP(err)
	}
	return Result{MessageID: id, Gateway: ProviderSMTP}, nil
}

// redial replaces a connection the server dropped between sends and tries
// the message once more. Callers hold b.mu.
func (b *smtpBatch) redial(ctx context.Context, m *mail.Msg) error {
	_ = b.client.Close()
	if err := b.client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("redial: %w", err)
	}
	return b.client.Send(m)
}

// connectionLost reports whether err means the batch connection is gone
// rather than that the server refused the message.
func connectionLost(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.Reason == mail.ErrConnCheck {
		return true
	}
	return errors.Is(err, mail.ErrNoActiveConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (b *smtpBatch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client.Close()
}

// classifySMTP maps reply codes: authentication failures need an operator,
// 4xx is retried and other 5xx replies reject the message.
func classifySMTP(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(ProviderSMTP, err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535 || tpErr.Code == 538:
			return Misconfigured(ProviderSMTP, err)
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return Transient(ProviderSMTP, err)
		case tpErr.Code >= 500:
			return Rejected(ProviderSMTP, err)
		}
	}
	if connectionLost(err) {
		return Transient(ProviderSMTP, err)
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return Transient(ProviderSMTP, err)
		}
		return Rejected(ProviderSMTP, err)
	}
	return Transient(ProviderSMTP, err)
}
