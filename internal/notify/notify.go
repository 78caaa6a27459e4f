package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type WebhookType string

const (
	WebhookDiscord WebhookType = "discord"
	WebhookSlack   WebhookType = "slack"
	WebhookGeneric WebhookType = "generic"
)

// FinishedOptions describes a run that went through every question.
type FinishedOptions struct {
	RunName       string
	RunID         string
	WebhookURL    string
	Model         string
	QuestionsDir  string
	Total         int
	Completed     int
	Incomplete    int
	WriteFailures int
	Duration      time.Duration
	Timeout       time.Duration
}

// FailedOptions describes a run that could not finish.
type FailedOptions struct {
	RunName    string
	RunID      string
	WebhookURL string
	Reason     string
	Detail     string
	Model      string
	Total      int
	Position   int
	Duration   time.Duration
	Timeout    time.Duration
}

type field struct {
	name   string
	value  string
	inline bool
}

type message struct {
	title        string
	discordText  string
	slackText    string
	discordColor int
	slackColor   string
	fields       []field
	timestamp    string
}

func DetectWebhookType(url string) WebhookType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "discord.com/api/webhooks") || strings.Contains(lower, "discordapp.com/api/webhooks") {
		return WebhookDiscord
	}
	if strings.Contains(lower, "hooks.slack.com") {
		return WebhookSlack
	}
	return WebhookGeneric
}

func NotifyFinished(ctx context.Context, opts FinishedOptions) error {
	if strings.TrimSpace(opts.RunName) == "" {
		return errors.New("run name is required")
	}
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildFinishedPayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func NotifyFailed(ctx context.Context, opts FailedOptions) error {
	if strings.TrimSpace(opts.RunName) == "" {
		return errors.New("run name is required")
	}
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildFailedPayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func SendWebhook(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func buildFinishedPayload(opts FinishedOptions, now time.Time) ([]byte, error) {
	questions := defaultString(opts.QuestionsDir, "unknown")
	model := defaultString(opts.Model, "unknown")
	duration := formatDuration(opts.Duration)
	timestamp := now.Format(time.RFC3339)
	clean := opts.Incomplete == 0 && opts.WriteFailures == 0

	if DetectWebhookType(opts.WebhookURL) == WebhookGeneric {
		status := "success"
		if !clean {
			status = "partial"
		}
		return json.Marshal(map[string]interface{}{
			"event":          "finished",
			"status":         status,
			"run":            opts.RunName,
			"run_id":         opts.RunID,
			"model":          model,
			"questions_dir":  questions,
			"total":          opts.Total,
			"completed":      opts.Completed,
			"incomplete":     opts.Incomplete,
			"write_failures": opts.WriteFailures,
			"duration":       duration,
			"timestamp":      timestamp,
			"message": fmt.Sprintf("cotloop run '%s' finished: %d/%d transcripts complete (%s)",
				opts.RunName, opts.Completed, opts.Total, duration),
		})
	}

	msg := message{
		title:        "\u2705 cotloop run finished",
		discordText:  fmt.Sprintf("Run **%s** evaluated every question.", opts.RunName),
		slackText:    fmt.Sprintf("Run *%s* evaluated every question.", opts.RunName),
		discordColor: 5763719,
		slackColor:   "#57F287",
		timestamp:    timestamp,
		fields: []field{
			{name: "Questions", value: fmt.Sprintf("`%s`", questions)},
			{name: "Model", value: model, inline: true},
			{name: "Completed", value: fmt.Sprintf("%d/%d", opts.Completed, opts.Total), inline: true},
			{name: "Incomplete", value: strconv.Itoa(opts.Incomplete), inline: true},
			{name: "Duration", value: duration, inline: true},
		},
	}
	if !clean {
		msg.title = "\u26a0\ufe0f cotloop run finished with gaps"
		msg.discordColor = 16705372
		msg.slackColor = "#FEE75C"
	}
	if opts.WriteFailures > 0 {
		msg.fields = append(msg.fields, field{name: "Write Failures", value: strconv.Itoa(opts.WriteFailures), inline: true})
	}
	return render(DetectWebhookType(opts.WebhookURL), msg)
}

func buildFailedPayload(opts FailedOptions, now time.Time) ([]byte, error) {
	reason := defaultString(opts.Reason, "unknown")
	model := defaultString(opts.Model, "unknown")
	duration := formatDuration(opts.Duration)
	timestamp := now.Format(time.RFC3339)
	progress := fmt.Sprintf("%s/%s", numberString(opts.Position), numberString(opts.Total))

	if DetectWebhookType(opts.WebhookURL) == WebhookGeneric {
		payload := map[string]interface{}{
			"event":     "failed",
			"status":    "failure",
			"run":       opts.RunName,
			"run_id":    opts.RunID,
			"model":     model,
			"reason":    reason,
			"progress":  progress,
			"duration":  duration,
			"timestamp": timestamp,
			"message":   failedMessage(reason, opts.RunName, progress),
		}
		if opts.Detail != "" {
			payload["detail"] = opts.Detail
		}
		return json.Marshal(payload)
	}

	msg := message{
		title:        "\u274c cotloop run failed",
		discordText:  failedDescription(reason, opts.RunName, false),
		slackText:    failedDescription(reason, opts.RunName, true),
		discordColor: 15548997,
		slackColor:   "#ED4245",
		timestamp:    timestamp,
		fields: []field{
			{name: "Reason", value: reason, inline: true},
			{name: "Model", value: model, inline: true},
			{name: "Progress", value: progress, inline: true},
			{name: "Duration", value: duration, inline: true},
		},
	}
	if opts.Detail != "" {
		msg.fields = append(msg.fields, field{name: "Detail", value: opts.Detail})
	}
	return render(DetectWebhookType(opts.WebhookURL), msg)
}

func render(kind WebhookType, msg message) ([]byte, error) {
	if kind == WebhookSlack {
		fields := make([]map[string]interface{}, 0, len(msg.fields))
		for _, f := range msg.fields {
			fields = append(fields, map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s:*\n%s", f.name, f.value),
			})
		}
		return json.Marshal(map[string]interface{}{
			"attachments": []map[string]interface{}{
				{
					"color": msg.slackColor,
					"blocks": []map[string]interface{}{
						{
							"type": "header",
							"text": map[string]interface{}{"type": "plain_text", "text": msg.title, "emoji": true},
						},
						{
							"type": "section",
							"text": map[string]interface{}{"type": "mrkdwn", "text": msg.slackText},
						},
						{
							"type":   "section",
							"fields": fields,
						},
						{
							"type": "context",
							"elements": []map[string]interface{}{
								{"type": "mrkdwn", "text": fmt.Sprintf("cotloop \u2022 %s", msg.timestamp)},
							},
						},
					},
				},
			},
		})
	}

	fields := make([]map[string]interface{}, 0, len(msg.fields))
	for _, f := range msg.fields {
		fields = append(fields, map[string]interface{}{"name": f.name, "value": f.value, "inline": f.inline})
	}
	return json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       msg.title,
				"description": msg.discordText,
				"color":       msg.discordColor,
				"fields":      fields,
				"footer":      map[string]interface{}{"text": "cotloop"},
				"timestamp":   msg.timestamp,
			},
		},
	})
}

func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "unknown"
	}
	total := int(duration.Seconds())
	if total <= 0 {
		return "<1s"
	}
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

func numberString(value int) string {
	if value <= 0 {
		return "?"
	}
	return strconv.Itoa(value)
}

func defaultString(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func failedDescription(reason, runName string, slack bool) string {
	label := "**" + runName + "**"
	if slack {
		label = "*" + runName + "*"
	}
	switch reason {
	case "stopped":
		return fmt.Sprintf("Run %s was stopped before finishing.", label)
	case "error":
		return fmt.Sprintf("Run %s could not start.", label)
	default:
		return fmt.Sprintf("Run %s failed: %s", label, reason)
	}
}

func failedMessage(reason, runName, progress string) string {
	switch reason {
	case "stopped":
		return fmt.Sprintf("cotloop run '%s' was stopped at question %s", runName, progress)
	case "error":
		return fmt.Sprintf("cotloop run '%s' could not start", runName)
	default:
		return fmt.Sprintf("cotloop run '%s' failed: %s at question %s", runName, reason, progress)
	}
}
