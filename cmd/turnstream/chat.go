// ABOUTME: The chat subcommand streams one reply from a running server
// ABOUTME: Saves what was received as a partial turn when interrupted

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/2389/turnstream/internal/gateway"
	"github.com/2389/turnstream/internal/wire"
)

// ChatCmd holds the flags for `turnstream chat`.
type ChatCmd struct {
	Server  string `short:"s" long:"server" description:"server base URL (default derived from config)"`
	Session string `long:"session" description:"continue an existing session"`
	Token   string `long:"token" env:"TURNSTREAM_TOKEN" description:"bearer token"`
	User    string `short:"u" long:"user" description:"user id, for servers in development mode"`
	Tenant  string `short:"t" long:"tenant" description:"tenant id, for servers in development mode"`
	Reset   bool   `long:"reset" description:"ignore earlier turns when generating"`

	message string
}

func parseChatCmd(args []string) (*ChatCmd, error) {
	cmd := &ChatCmd{}
	parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "turnstream chat"
	parser.Usage = "[OPTIONS] message..."

	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	cmd.message = strings.TrimSpace(strings.Join(rest, " "))
	if cmd.message == "" {
		return nil, errors.New("a message is required")
	}
	return cmd, nil
}

func runChat(ctx context.Context, args []string, out io.Writer) error {
	cmd, err := parseChatCmd(args)
	if err != nil {
		return err
	}

	if cmd.Server == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.Server = serverURL(cfg)
	}

	c := &chatClient{
		http:    http.DefaultClient,
		baseURL: strings.TrimRight(cmd.Server, "/"),
		token:   cmd.Token,
	}
	_, err = c.chat(ctx, cmd, out)
	return err
}

// chatResult is what the client saw of one exchange.
type chatResult struct {
	SessionID   string
	ClientReqID string
	Text        string
	Terminal    wire.EventType
	Saved       bool
}

type chatClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func (c *chatClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, e.Error)
	}
	return resp, nil
}

// chat sends one message and prints tokens to out as they arrive. If ctx is
// cancelled mid-stream the received text is saved as a partial turn.
func (c *chatClient) chat(ctx context.Context, cmd *ChatCmd, out io.Writer) (*chatResult, error) {
	res := &chatResult{
		SessionID:   cmd.Session,
		ClientReqID: uuid.NewString(),
	}

	resp, err := c.post(ctx, "/conversation/chat_response", gateway.ChatRequest{
		TenantID:     cmd.Tenant,
		UserID:       cmd.User,
		SessionID:    cmd.Session,
		Message:      cmd.message,
		ResetContext: cmd.Reset,
		ClientReqID:  res.ClientReqID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var text strings.Builder
	gray := color.New(color.FgHiBlack)
	dec := wire.NewDecoder(resp.Body)

	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Text = text.String()
			if ctx.Err() != nil {
				return res, c.abort(res, cmd, out)
			}
			return res, err
		}

		switch ev.Type {
		case wire.EventSession:
			res.SessionID = ev.SessionID
		case wire.EventLog:
			gray.Fprintln(out, ev.Content)
		case wire.EventToken:
			text.WriteString(ev.Content)
			fmt.Fprint(out, ev.Content)
		case wire.EventCancelled, wire.EventError:
			res.Terminal = ev.Type
			color.New(color.FgYellow).Fprintf(out, "\n[%s] %s", ev.Type, ev.Content)
		case wire.EventFinalToken:
			if res.Terminal == "" {
				res.Terminal = ev.Type
			}
		}
	}

	fmt.Fprintln(out)
	res.Text = text.String()
	if res.Terminal == wire.EventFinalToken {
		res.Saved = true
	}
	if res.SessionID != "" {
		gray.Fprintf(out, "session: %s\n", res.SessionID)
	}
	return res, nil
}

// abort stores the text received so far. It runs on a fresh context because
// the request context is already cancelled.
func (c *chatClient) abort(res *chatResult, cmd *ChatCmd, out io.Writer) error {
	fmt.Fprintln(out)
	if res.SessionID == "" {
		return context.Canceled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/conversation/save_partial", gateway.SavePartialRequest{
		TenantID:    cmd.Tenant,
		UserID:      cmd.User,
		SessionID:   res.SessionID,
		ClientReqID: res.ClientReqID,
		Message:     res.Text,
		Reason:      "client_abort",
	})
	if err != nil {
		return fmt.Errorf("saving partial response: %w", err)
	}
	defer resp.Body.Close()

	var saved gateway.SavePartialResponse
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return fmt.Errorf("decoding save response: %w", err)
	}
	res.Saved = true
	color.New(color.FgYellow).Fprintf(out, "interrupted; kept %d characters as turn %s (%s)\n",
		len(res.Text), saved.ConversationID, saved.Status)
	return nil
}
