package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ogurasousui/staff-provisioning/internal/platform/ids"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel は Publisher が利用する AMQP チャネルの操作です。*amqp.Channel が満たします。
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connector はブローカーへ接続し、チャネルと接続の後始末を返します。
type Connector func() (ch Channel, closeConn func() error, err error)

// Publisher は永続キューへ JSON メッセージを投入します。
// Connector を持つ場合、ブローカー再起動などでチャネルが閉じていれば再接続して 1 回だけ再送します。
type Publisher struct {
	queue   string
	connect Connector

	mu        sync.Mutex
	ch        Channel
	closeConn func() error
}

// Dial はブローカーへ接続し、キューを宣言した Publisher を返します。
func Dial(url, queue string) (*Publisher, error) {
	return NewReconnectingPublisher(func() (Channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq: dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
		}
		return ch, conn.Close, nil
	}, queue)
}

// NewReconnectingPublisher は connect で接続した Publisher を生成します。
func NewReconnectingPublisher(connect Connector, queue string) (*Publisher, error) {
	p := &Publisher{queue: queue, connect: connect}
	if err := p.reconnect(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPublisher は既存のチャネルでキューを宣言し Publisher を生成します。再接続は行いません。
func NewPublisher(ch Channel, queue string) (*Publisher, error) {
	if err := declare(ch, queue); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, queue: queue}, nil
}

func declare(ch Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", queue, err)
	}
	return nil
}

// Publish は body を永続メッセージとしてキューへ投入します。
// 再送時も同じ MessageId を使うため、受信側で重複を判別できます。
func (p *Publisher) Publish(ctx context.Context, messageType string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ids.New(),
		Type:         messageType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if p.ch == nil {
		if err := p.reconnect(); err != nil {
			return err
		}
	}

	err := p.publish(ctx, msg)
	if err != nil && p.connect != nil && errors.Is(err, amqp.ErrClosed) && ctx.Err() == nil {
		if reErr := p.reconnect(); reErr != nil {
			return errors.Join(err, reErr)
		}
		err = p.publish(ctx, msg)
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) error {
	err := p.ch.PublishWithContext(
		ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", p.queue, err)
	}
	return nil
}

// reconnect は古いチャネルと接続を破棄し、新しいチャネルでキューを宣言し直します。
func (p *Publisher) reconnect() error {
	if p.connect == nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", p.queue, amqp.ErrClosed)
	}
	p.release()

	ch, closeConn, err := p.connect()
	if err != nil {
		return err
	}
	if err := declare(ch, p.queue); err != nil {
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return err
	}
	p.ch = ch
	p.closeConn = closeConn
	return nil
}

func (p *Publisher) release() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.closeConn != nil {
		_ = p.closeConn()
		p.closeConn = nil
	}
}

// Close はチャネルと接続を閉じます。
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("rabbitmq: close channel: %w", err)
		}
		p.ch = nil
	}
	if p.closeConn != nil {
		if err := p.closeConn(); err != nil {
			return fmt.Errorf("rabbitmq: close connection: %w", err)
		}
		p.closeConn = nil
	}
	return nil
}
