package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type MultiNotifier struct {
	notifiers []Notifier
}

func (m *MultiNotifier) Notify(ctx context.Context, msg Message) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			lastErr = err
			logger.Warn("ALERT", "Notifier failed: %v", err)
		}
	}
	return lastErr
}

func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

func NewNotifier(cfg config.AlertsConfig) *MultiNotifier {
	var notifiers []Notifier
	notifiers = append(notifiers, &LogNotifier{})

	ch := cfg.Channels
	if ch.Matrix.Enabled {
		notifiers = append(notifiers, NewMatrixNotifier(ch.Matrix, nil))
	}
	if ch.PagerDuty.Enabled && ch.PagerDuty.APIKey != "" {
		notifiers = append(notifiers, &PagerDutyNotifier{apiKey: ch.PagerDuty.APIKey, defaultSeverity: ch.PagerDuty.Severity})
	}
	if ch.Discord.Enabled && ch.Discord.Webhook != "" {
		notifiers = append(notifiers, &DiscordNotifier{webhook: ch.Discord.Webhook})
	}
	if ch.Telegram.Enabled && ch.Telegram.Token != "" && ch.Telegram.ChatID != "" {
		notifiers = append(notifiers, &TelegramNotifier{apiKey: ch.Telegram.Token, channel: ch.Telegram.ChatID})
	}
	if ch.Slack.Enabled && ch.Slack.Webhook != "" {
		notifiers = append(notifiers, &SlackNotifier{webhook: ch.Slack.Webhook})
	}

	return &MultiNotifier{notifiers: notifiers}
}

type LogNotifier struct{}

func (l *LogNotifier) Notify(ctx context.Context, msg Message) error {
	logger.Info("ALERT", "%s | %s | %s", msg.Kind, msg.Status, msg.Title)
	return nil
}

var (
	tagPattern  = regexp.MustCompile(`<[^>]+>`)
	linkPattern = regexp.MustCompile(`<a href="([^"]+)">([^<]*)</a>`)
)

// plainText drops inline HTML, keeping link targets for chat clients
// that do not render HTML.
func plainText(s string) string {
	s = linkPattern.ReplaceAllString(s, "$2 ($1)")
	return tagPattern.ReplaceAllString(s, "")
}

func statusEmoji(msg Message) string {
	switch msg.Status {
	case AlertFiring:
		return "🚨"
	case AlertResolved:
		return "💚"
	default:
		return "🔔"
	}
}

// Discord embed structures
type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

func formatDiscordEmbed(msg Message) discordPayload {
	color := 0x3498DB // blue
	switch msg.Status {
	case AlertFiring:
		color = 0xFF0000
	case AlertResolved:
		color = 0x00FF00
	}

	fields := []discordField{{Name: "Chain", Value: msg.ChainName}}
	for _, detail := range msg.Details {
		fields = append(fields, discordField{Name: detail.Label, Value: detail.Value})
	}

	return discordPayload{
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s %s", statusEmoji(msg), msg.Title),
			Description: plainText(msg.Text),
			Color:       color,
			Fields:      fields,
			Timestamp:   msg.Timestamp.Format(time.RFC3339),
		}},
	}
}

type DiscordNotifier struct {
	webhook string
}

func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	if d.webhook == "" {
		return nil
	}
	return postJSON(ctx, d.webhook, formatDiscordEmbed(msg))
}

// Slack Block Kit structures
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func formatSlackBlocks(msg Message) slackPayload {
	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("%s %s", statusEmoji(msg), msg.Title)},
	}}
	if msg.Text != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: plainText(msg.Text)},
		})
	}
	fields := []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Chain:*\n%s", msg.ChainName)}}
	for _, detail := range msg.Details {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", detail.Label, detail.Value)})
	}
	blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	return slackPayload{Blocks: blocks}
}

type SlackNotifier struct {
	webhook string
}

func (s *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	if s.webhook == "" {
		return nil
	}
	return postJSON(ctx, s.webhook, formatSlackBlocks(msg))
}

// Telegram HTML supports the b, a and code tags used by reports.
func formatTelegramHTML(msg Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b>\n\n<b>Chain:</b> %s", statusEmoji(msg), msg.Title, msg.ChainName)
	for _, detail := range msg.Details {
		fmt.Fprintf(&b, "\n<b>%s:</b> %s", detail.Label, detail.Value)
	}
	return b.String()
}

type TelegramNotifier struct {
	apiKey  string
	channel string
	baseURL string
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if t.apiKey == "" || t.channel == "" {
		return nil
	}
	base := t.baseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.apiKey)
	payload := map[string]string{
		"chat_id":    t.channel,
		"text":       formatTelegramHTML(msg),
		"parse_mode": "HTML",
	}
	return postJSON(ctx, url, payload)
}

type PagerDutyNotifier struct {
	apiKey          string
	defaultSeverity string
}

type pagerDutyPayload struct {
	RoutingKey  string        `json:"routing_key"`
	EventAction string        `json:"event_action"`
	DedupKey    string        `json:"dedup_key"`
	Payload     pagerDutyBody `json:"payload"`
}

type pagerDutyBody struct {
	Summary   string `json:"summary"`
	Source    string `json:"source"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
	Custom    any    `json:"custom_details,omitempty"`
}

// Notify only pages for watchdog alerts; lifecycle reports carry no
// firing/resolved pair to close an incident with.
func (p *PagerDutyNotifier) Notify(ctx context.Context, msg Message) error {
	if p.apiKey == "" || msg.Status == AlertInfo || msg.Status == "" {
		return nil
	}
	action := "trigger"
	if msg.Status == AlertResolved {
		action = "resolve"
	}
	severity := p.defaultSeverity
	if severity == "" {
		severity = "critical"
	}
	if msg.Severity != "" {
		severity = msg.Severity
	}
	payload := pagerDutyPayload{
		RoutingKey:  p.apiKey,
		EventAction: action,
		DedupKey:    msg.Key,
		Payload: pagerDutyBody{
			Summary:   msg.Title,
			Source:    msg.ChainName,
			Severity:  severity,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Custom:    formatPagerDutyDetails(msg),
		},
	}
	return postJSON(ctx, "https://events.pagerduty.com/v2/enqueue", payload)
}

func formatPagerDutyDetails(msg Message) map[string]string {
	if len(msg.Details) == 0 {
		return nil
	}
	custom := make(map[string]string, len(msg.Details))
	for _, detail := range msg.Details {
		custom[detail.Label] = detail.Value
	}
	return custom
}

func postJSON(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
