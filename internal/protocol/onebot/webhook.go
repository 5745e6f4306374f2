package onebot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"botgate/internal/event"
	"botgate/pkg/logx"
)

// postAll sends body to every post_url in order. v11 endpoints may answer
// a message event with a quick reply.
func (p *Protocol) postAll(ctx context.Context, e event.Event, body []byte) error {
	var errList []error
	for _, u := range p.set.PostURLs {
		reply, err := p.post(ctx, u, body)
		if err != nil {
			errList = append(errList, fmt.Errorf("post %s: %w", u, err))
			continue
		}
		if len(reply) > 0 && p.d.version() == "v11" && e.Type == event.TypeMessage {
			if err := p.quickReply(ctx, e, reply); err != nil {
				p.log.Warn("quick operation failed", logx.String("url", u), logx.Err(err))
			}
		}
	}
	return errors.Join(errList...)
}

func (p *Protocol) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Self-ID", p.key.AccountID)
	req.Header.Set("User-Agent", "botgate/onebot-"+p.d.version())
	if p.d.version() == "v12" {
		req.Header.Set("X-OneBot-Version", "12")
		req.Header.Set("X-Impl", "botgate")
		if p.set.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.set.AccessToken)
		}
	}
	if p.set.Secret != "" {
		req.Header.Set("X-Signature", "sha1="+sign(p.set.Secret, body))
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return bytes.TrimSpace(reply), nil
}

// sign is the hex HMAC-SHA1 of body keyed by secret.
func sign(secret string, body []byte) string {
	m := hmac.New(sha1.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// quickReply handles {"reply": ..., "auto_escape": bool} answers to a
// message event by replying in the same conversation.
func (p *Protocol) quickReply(ctx context.Context, e event.Event, raw []byte) error {
	var op params
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil
	}
	if !op.has("reply") || e.Message == nil {
		return nil
	}
	bot, err := p.mustBot()
	if err != nil {
		return err
	}
	segs, err := p.v11Decode(ctx, op["reply"], op.boolean("auto_escape"))
	if err != nil || len(segs) == 0 {
		return err
	}
	to := e.Message.Target
	if to.Scene == event.ScenePrivate && to.UserID == "" {
		to.UserID = e.Message.Sender.UserID
	}
	_, err = bot.SendMessage(ctx, to, segs)
	return err
}
