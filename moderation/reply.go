package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrNoReply means a responder had nothing to say for the prompt.
var ErrNoReply = errors.New("no reply")

var modalPrefixes = []string{
	"can you", "can u", "could you", "would you", "will you", "should i", "should we",
	"how ", "what ", "why ", "when ", "where ", "who ", "which ",
	"is it", "is there", "are you", "do you", "does ", "did you", "tell me", "explain",
}

var politeWords = map[string]bool{"please": true, "pls": true, "plz": true, "thanks": true, "thx": true, "ty": true}

// WantsReply applies the mention-and-intent gate. With requireMention false only
// intent is checked.
func WantsReply(content, botUsername string, requireMention bool) bool {
	text := strings.ToLower(strings.TrimSpace(content))
	if text == "" {
		return false
	}
	if requireMention {
		if botUsername == "" || !mentions(text, botUsername) {
			return false
		}
	}
	return hasIntent(stripMention(text, botUsername))
}

// mentions matches the handle on word boundaries, so "@bot" and "bot," count
// but "bot2" does not.
func mentions(text, bot string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], bot)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(bot)
		if boundaryAt(text, start-1) && boundaryAt(text, end) {
			return true
		}
		i = start + 1
	}
}

func boundaryAt(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func stripMention(text, bot string) string {
	if bot == "" {
		return text
	}
	text = strings.TrimPrefix(text, "@"+bot)
	text = strings.TrimPrefix(text, bot)
	return strings.TrimLeft(text, " ,:")
}

func hasIntent(text string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	for _, p := range modalPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	for _, f := range strings.Fields(text) {
		if len(f) > 1 && f[0] == '!' {
			return true
		}
	}
	words := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	for i, w := range words {
		if politeWords[w] || (w == "thank" && i+1 < len(words) && words[i+1] == "you") {
			return true
		}
	}
	return false
}

// ReplyRequest is what a Responder sees.
type ReplyRequest struct {
	BroadcasterID  string
	SenderUsername string
	Content        string
}

// Responder produces the bot's chat reply. Source labels replies in metrics.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
	Source() string
}

// CannedResponder answers from keyword-triggered templates.
type CannedResponder struct{}

func (CannedResponder) Source() string { return "canned" }

func (CannedResponder) Reply(_ context.Context, req ReplyRequest) (string, error) {
	text := strings.ToLower(req.Content)
	words := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	has := func(keys ...string) bool {
		for _, w := range words {
			for _, k := range keys {
				if w == k {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("hi", "hello", "hey", "heya", "yo", "hiya"):
		return fmt.Sprintf("Hey @%s, welcome in!", req.SenderUsername), nil
	case has("bye", "goodbye", "goodnight", "gn", "cya"):
		return fmt.Sprintf("See you next time, @%s!", req.SenderUsername), nil
	case has("thanks", "thank", "ty", "thx"):
		return fmt.Sprintf("Any time, @%s!", req.SenderUsername), nil
	case strings.Contains(text, "?"):
		return fmt.Sprintf("@%s good question! A mod or the streamer will get back to you.", req.SenderUsername), nil
	}
	return "", ErrNoReply
}

// chatCompletions is the slice of the OpenAI client the responder uses.
type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIResponder asks a chat-completion model for a short reply.
type OpenAIResponder struct {
	completions chatCompletions
	model       string
	system      string
	maxTokens   int64
}

// OpenAIConfig configures NewOpenAIResponder.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	BotName    string
	HTTPClient *http.Client
}

const defaultReplyPrompt = "You are %s, a friendly Twitch chat bot. Answer the viewer in one short sentence, " +
	"no more than 300 characters, no markdown. If you do not know, say a moderator will help."

func NewOpenAIResponder(cfg OpenAIConfig) (*OpenAIResponder, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	name := cfg.BotName
	if name == "" {
		name = "the channel bot"
	}
	return &OpenAIResponder{
		completions: &client.Chat.Completions,
		model:       model,
		system:      fmt.Sprintf(defaultReplyPrompt, name),
		maxTokens:   120,
	}, nil
}

func (o *OpenAIResponder) Source() string { return "llm" }

func (o *OpenAIResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	resp, err := o.completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(o.model),
		MaxCompletionTokens: openai.Int(o.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(o.system),
			openai.UserMessage(fmt.Sprintf("%s says: %s", req.SenderUsername, req.Content)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoReply
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrNoReply
	}
	return truncateReply(out), nil
}

// maxReplyLen keeps replies well under the 500 character chat limit.
const maxReplyLen = 400

func truncateReply(s string) string {
	r := []rune(s)
	if len(r) <= maxReplyLen {
		return s
	}
	return string(r[:maxReplyLen-1]) + "…"
}

// Fallback tries each responder in order and returns the first reply along with
// the source that produced it.
type Fallback []Responder

func (f Fallback) Generate(ctx context.Context, req ReplyRequest) (string, string, error) {
	var errs []error
	for _, r := range f {
		if r == nil {
			continue
		}
		out, err := r.Reply(ctx, req)
		if err == nil && out != "" {
			return out, r.Source(), nil
		}
		if err == nil {
			err = ErrNoReply
		}
		if !errors.Is(err, ErrNoReply) {
			slog.Debug("responder failed; trying next",
				slog.String("component", "moderation_reply"),
				slog.String("source", r.Source()),
				slog.Any("err", err))
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", "", ErrNoReply
	}
	return "", "", errors.Join(errs...)
}
