package service

import (
	"context"
	"errors"
	"fmt"

	"exman/internal/event"
)

// ErrCapabilityUnavailable is returned by a probe when the integration
// variant does not support the requested capability. Callers swallow
// it: a provider without DND or message history is not an error.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Scripter executes a script inside a hosted web view and returns its
// result. It is the only crossing into the embedded-browser boundary;
// the daemon never touches a DOM itself.
type Scripter interface {
	Eval(ctx context.Context, webContentsID int, script string) (interface{}, error)
}

// Probe is the capability set one integration variant implements
// against its hosted view.
type Probe interface {
	CheckAuth(ctx context.Context, webContentsID int) (bool, error)
	CheckUnread(ctx context.Context, webContentsID int) (int, error)
	FetchMessages(ctx context.Context, webContentsID int, since int64) ([]event.Message, error)
	SendMessage(ctx context.Context, webContentsID int, channel, text string) error
	SetDnd(ctx context.Context, webContentsID int, minutes int) error
	SetOnline(ctx context.Context, webContentsID int) error
}

// NewProbe returns the probe variant for the given integration kind.
func NewProbe(kind event.ServiceKind, scripter Scripter) (Probe, error) {
	switch kind {
	case event.KindSlack:
		return &slackProbe{scripter}, nil
	case event.KindWhatsapp:
		return &whatsappProbe{scripter}, nil
	case event.KindTeams:
		return &teamsProbe{scripter}, nil
	}
	return nil, fmt.Errorf("unknown service kind %q", kind)
}

// --- Slack ---

// Slack exposes the richest surface: the preload script injects auth,
// unread, message and presence helpers backed by its web API token.
type slackProbe struct {
	scripter Scripter
}

func (p *slackProbe) CheckAuth(ctx context.Context, web int) (bool, error) {
	return evalBool(ctx, p.scripter, web, "window.isAuth()")
}

func (p *slackProbe) CheckUnread(ctx context.Context, web int) (int, error) {
	return evalInt(ctx, p.scripter, web, "window.getUnreadChats()")
}

func (p *slackProbe) FetchMessages(ctx context.Context, web int, since int64) ([]event.Message, error) {
	return evalMessages(ctx, p.scripter, web, fmt.Sprintf("window.getMessages(%d)", since))
}

func (p *slackProbe) SendMessage(ctx context.Context, web int, channel, text string) error {
	_, err := p.scripter.Eval(ctx, web,
		fmt.Sprintf("window.sendMessage(%q, %q)", channel, text))
	return err
}

func (p *slackProbe) SetDnd(ctx context.Context, web int, minutes int) error {
	_, err := p.scripter.Eval(ctx, web, fmt.Sprintf("window.setSnooze(%d)", minutes))
	return err
}

func (p *slackProbe) SetOnline(ctx context.Context, web int) error {
	_, err := p.scripter.Eval(ctx, web, "window.endSnooze()")
	return err
}

// --- WhatsApp ---

// WhatsApp only supports auth and unread scraping; it has no usable
// message history or presence hooks in the hosted view.
type whatsappProbe struct {
	scripter Scripter
}

func (p *whatsappProbe) CheckAuth(ctx context.Context, web int) (bool, error) {
	return evalBool(ctx, p.scripter, web, "window.isAuth()")
}

func (p *whatsappProbe) CheckUnread(ctx context.Context, web int) (int, error) {
	return evalInt(ctx, p.scripter, web, "window.getUnreadChats()")
}

func (p *whatsappProbe) FetchMessages(ctx context.Context, web int, since int64) ([]event.Message, error) {
	return nil, ErrCapabilityUnavailable
}

func (p *whatsappProbe) SendMessage(ctx context.Context, web int, channel, text string) error {
	return ErrCapabilityUnavailable
}

func (p *whatsappProbe) SetDnd(ctx context.Context, web int, minutes int) error {
	return ErrCapabilityUnavailable
}

func (p *whatsappProbe) SetOnline(ctx context.Context, web int) error {
	return ErrCapabilityUnavailable
}

// --- Teams ---

type teamsProbe struct {
	scripter Scripter
}

func (p *teamsProbe) CheckAuth(ctx context.Context, web int) (bool, error) {
	return evalBool(ctx, p.scripter, web, "window.isAuth()")
}

func (p *teamsProbe) CheckUnread(ctx context.Context, web int) (int, error) {
	return evalInt(ctx, p.scripter, web, "window.getUnreadChats()")
}

func (p *teamsProbe) FetchMessages(ctx context.Context, web int, since int64) ([]event.Message, error) {
	return evalMessages(ctx, p.scripter, web, fmt.Sprintf("window.getMessages(%d)", since))
}

func (p *teamsProbe) SendMessage(ctx context.Context, web int, channel, text string) error {
	_, err := p.scripter.Eval(ctx, web,
		fmt.Sprintf("window.sendMessage(%q, %q)", channel, text))
	return err
}

func (p *teamsProbe) SetDnd(ctx context.Context, web int, minutes int) error {
	_, err := p.scripter.Eval(ctx, web, "window.setPresence('DoNotDisturb')")
	return err
}

func (p *teamsProbe) SetOnline(ctx context.Context, web int) error {
	_, err := p.scripter.Eval(ctx, web, "window.setPresence('Available')")
	return err
}

// --- Result conversion ---

// Eval results arrive as decoded JSON, so numbers are float64 and
// message lists are []interface{} of objects.

func evalBool(ctx context.Context, s Scripter, web int, script string) (bool, error) {
	v, err := s.Eval(ctx, web, script)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("probe %s: expected bool, got %T", script, v)
	}
	return b, nil
}

func evalInt(ctx context.Context, s Scripter, web int, script string) (int, error) {
	v, err := s.Eval(ctx, web, script)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("probe %s: expected number, got %T", script, v)
}

func evalMessages(ctx context.Context, s Scripter, web int, script string) ([]event.Message, error) {
	v, err := s.Eval(ctx, web, script)
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("probe %s: expected list, got %T", script, v)
	}
	msgs := make([]event.Message, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var m event.Message
		m.Channel, _ = obj["channel"].(string)
		m.Author, _ = obj["author"].(string)
		m.Body, _ = obj["body"].(string)
		if ts, ok := obj["timestamp"].(float64); ok {
			m.Timestamp = int64(ts)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
