package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
)

// Message は配送キューへ投入するメールです。
type Message struct {
	Kind     Kind   `json:"kind"`
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	Locale   string `json:"locale"`
}

// Dispatcher はメールを非同期配送へ引き渡します。
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Mailer は user.Notifier の実装で、文面を組み立てて Dispatcher へ渡します。
type Mailer struct {
	renderer   *Renderer
	dispatcher Dispatcher
	from       string
}

var _ user.Notifier = (*Mailer)(nil)

// NewMailer は Mailer を生成します。
func NewMailer(renderer *Renderer, dispatcher Dispatcher, from string) *Mailer {
	return &Mailer{renderer: renderer, dispatcher: dispatcher, from: from}
}

func (m *Mailer) UserCreated(ctx context.Context, u *user.User) error {
	return m.send(ctx, KindUserCreated, u.Email, profilePlaceholders(u))
}

func (m *Mailer) UserUpdated(ctx context.Context, u *user.User) error {
	return m.send(ctx, KindUserUpdated, u.Email, profilePlaceholders(u))
}

// ActiveChanged は変更後の有効状態を "true" / "false" で本文に含めます。
func (m *Mailer) ActiveChanged(ctx context.Context, u *user.User) error {
	p := profilePlaceholders(u)
	p.IsActive = strconv.FormatBool(u.IsActive)
	return m.send(ctx, KindActiveChanged, u.Email, p)
}

func (m *Mailer) UserDeleted(ctx context.Context, u *user.User) error {
	return m.send(ctx, KindUserDeleted, u.Email, profilePlaceholders(u))
}

func (m *Mailer) VerifyEmail(ctx context.Context, email, link string) error {
	return m.send(ctx, KindVerifyEmail, email, Placeholders{Email: email, Link: link})
}

func (m *Mailer) send(ctx context.Context, kind Kind, to string, p Placeholders) error {
	subject, body, err := m.renderer.Render(kind, p)
	if err != nil {
		return fmt.Errorf("%w: %w", user.ErrNotificationFailed, err)
	}

	if err := m.dispatcher.Dispatch(ctx, Message{
		Kind:     kind,
		From:     m.from,
		To:       to,
		Subject:  subject,
		HTMLBody: body,
		Locale:   m.renderer.locale,
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", user.ErrNotificationFailed, kind, err)
	}
	return nil
}

func profilePlaceholders(u *user.User) Placeholders {
	return Placeholders{
		FullName:       u.FullName(),
		Email:          u.Email,
		EmployeeNumber: u.EmployeeNumber,
	}
}

// Publisher はメッセージブローカーへの投入操作です。
type Publisher interface {
	Publish(ctx context.Context, messageType string, body []byte) error
}

// QueueDispatcher は Message を JSON にしてキューへ投入します。
type QueueDispatcher struct {
	publisher Publisher
}

// NewQueueDispatcher は QueueDispatcher を生成します。
func NewQueueDispatcher(publisher Publisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mail: encode message: %w", err)
	}
	return d.publisher.Publish(ctx, string(msg.Kind), body)
}

// LogDispatcher はブローカー未設定の環境向けに、メールを配送せずログへ記録します。
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher は LogDispatcher を生成します。
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, msg Message) error {
	d.logger.InfoContext(ctx, "mail not delivered, no broker configured",
		"kind", msg.Kind,
		"to", msg.To,
		"subject", msg.Subject,
	)
	return nil
}
