package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/agentfs/internal/types"
)

const maxTelegramMessage = 4096

const telegramHelp = `Send a task as plain text to spawn an agent.
/spawn [priority] <task>
/accept <id>  /reject <id>  /cancel <id>
/status <id>  /diff <id>  /events <id>
/list [state]  /run <template>  /sync`

// Telegram bridges a bot chat to the dispatcher and delivers agent
// notices back to the chat that spawned the agent.
type Telegram struct {
	bot        *tgbotapi.BotAPI
	dispatcher *Dispatcher
	allowed    map[int64]bool
	logger     *slog.Logger
}

// NewTelegram creates the adapter. An empty allowed list accepts every
// chat.
func NewTelegram(token string, dispatcher *Dispatcher, allowed []int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telegram{
		bot:        bot,
		dispatcher: dispatcher,
		allowed:    make(map[int64]bool),
		logger:     logger.With("component", "telegram"),
	}
	for _, id := range allowed {
		t.allowed[id] = true
	}
	return t, nil
}

// Start long-polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)
	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(t.allowed) > 0 && !t.allowed[chatID] {
		t.logger.Warn("ignoring message from unlisted chat", "chat_id", chatID)
		return
	}

	var cmd Command
	var ok bool
	if msg.IsCommand() {
		cmd, ok = chatCommand(msg.Command(), msg.CommandArguments())
	} else {
		cmd, ok = chatCommand("spawn", msg.Text)
	}
	if !ok {
		t.send(chatID, telegramHelp)
		return
	}
	cmd.Origin = chatOrigin(chatID)

	res, err := t.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		t.send(chatID, "Error: "+err.Error())
		return
	}
	t.send(chatID, FormatResult(cmd, res))
}

// Deliver sends a notice to the chat encoded in origin. It is registered
// with the delivery registry under "telegram:".
func (t *Telegram) Deliver(origin types.Origin, message string) error {
	chatID, err := parseChatOrigin(origin)
	if err != nil {
		return err
	}
	t.send(chatID, message)
	return nil
}

func (t *Telegram) send(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("send message", "chat_id", chatID, "error", err)
		}
	}
}

// chatCommand maps a bot command and its arguments to an envelope. It
// returns false for help and unknown commands.
func chatCommand(command, args string) (Command, bool) {
	args = strings.TrimSpace(args)
	switch command {
	case "spawn":
		if args == "" {
			return Command{}, false
		}
		cmd := Command{Kind: KindSpawn, Task: args}
		if first, rest, found := strings.Cut(args, " "); found {
			if _, err := types.ParsePriority(first); err == nil {
				cmd.Priority, cmd.Task = first, strings.TrimSpace(rest)
			}
		}
		return cmd, true
	case "accept", "reject", "cancel", "status", "diff", "events":
		if args == "" {
			return Command{}, false
		}
		return Command{Kind: Kind(command), Agent: strings.Fields(args)[0]}, true
	case "list":
		cmd := Command{Kind: KindList}
		for _, f := range strings.Fields(args) {
			cmd.States = append(cmd.States, types.State(strings.ToUpper(f)))
		}
		return cmd, true
	case "run":
		if args == "" {
			return Command{}, false
		}
		return Command{Kind: KindRun, Template: strings.Fields(args)[0]}, true
	case "sync":
		return Command{Kind: KindSync}, true
	}
	return Command{}, false
}

// FormatResult renders a result as chat text.
func FormatResult(cmd Command, res *Result) string {
	var b strings.Builder
	switch {
	case res.Agent != nil:
		rec := res.Agent
		fmt.Fprintf(&b, "%s %s %s", short(rec.AgentID), rec.State, rec.Priority)
		if rec.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", rec.Error)
		}
		if rec.Submission != nil {
			fmt.Fprintf(&b, "\nsummary: %s", rec.Submission.Summary)
		}
	case cmd.Kind == KindList || cmd.Kind == KindQueue:
		if len(res.Agents) == 0 {
			return "no agents"
		}
		for _, rec := range res.Agents {
			fmt.Fprintf(&b, "%s %-10s %s\n", short(rec.AgentID), rec.State, firstWords(rec.Task))
		}
	case cmd.Kind == KindEvents:
		for _, ev := range res.Events {
			fmt.Fprintf(&b, "%d %s -> %s (%s)\n", ev.Seq, ev.From, ev.To, ev.Cause)
		}
	case cmd.Kind == KindDiff:
		if len(res.Changes) == 0 {
			return "no changes"
		}
		for _, c := range res.Changes {
			fmt.Fprintf(&b, "%s %s\n", c.Kind, c.Path)
		}
	case res.Sync != nil:
		fmt.Fprintf(&b, "synced: %d written, %d removed, %d unchanged", res.Sync.Written, res.Sync.Removed, res.Sync.Unchanged)
	case res.Path != "":
		b.WriteString(res.Path)
	default:
		b.WriteString("ok")
	}
	return strings.TrimRight(b.String(), "\n")
}

func short(id types.AgentID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func chatOrigin(chatID int64) types.Origin {
	return types.NewOrigin("telegram", strconv.FormatInt(chatID, 10))
}

func parseChatOrigin(origin types.Origin) (int64, error) {
	rest, ok := strings.CutPrefix(string(origin), "telegram:")
	if !ok {
		return 0, fmt.Errorf("not a telegram origin: %s", origin)
	}
	chatID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", origin, err)
	}
	return chatID, nil
}
