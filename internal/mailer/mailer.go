// Package mailer предоставляет клиент внешнего сервиса доставки почты.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом доставки почты.
// Сервис владеет шаблонами и рендерингом; клиент передаёт ключ шаблона
// и переменные и получает однозначный результат доставки.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к сервису доставки по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type templatedMessage struct {
	MessageID string         `json:"message_id"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Template  string         `json:"template"`
	Variables map[string]any `json:"variables"`
}

type plainMessage struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// SendTemplated отправляет письмо по шаблону. Любой не-2xx ответ сервиса
// доставки (ошибка рендеринга, некорректный адрес, отказ транспорта)
// возвращается как ошибка — решение о fallback принимает вызывающая сторона.
func (c *Client) SendTemplated(ctx context.Context, to, subject, templateKey string, variables map[string]any) error {
	msg := templatedMessage{
		MessageID: uuid.NewString(),
		To:        to,
		Subject:   subject,
		Template:  templateKey,
		Variables: variables,
	}
	return c.post(ctx, "/api/messages/templated", msg)
}

// SendPlainText отправляет письмо с готовым текстовым телом.
func (c *Client) SendPlainText(ctx context.Context, to, subject, body string) error {
	msg := plainMessage{
		MessageID: uuid.NewString(),
		To:        to,
		Subject:   subject,
		Body:      body,
	}
	return c.post(ctx, "/api/messages/plain", msg)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mailer client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("mail service status: %d", resp.StatusCode)
	}

	return nil
}
