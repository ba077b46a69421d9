package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"troupe/internal/logging"
)

const (
	longPollWait     = 25 * time.Second
	listenerBackoff  = 3 * time.Second
	listenerMaxRetry = 60 * time.Second
)

// LongPollListener pulls updates for one bot from the message gateway and
// posts replies back. It is the non-web inbound path; browser clients use the
// websocket router instead.
type LongPollListener struct {
	bot        Bot
	gatewayURL string
	client     *http.Client
	handler    MessageHandler
	logger     *logging.Logger
}

type gatewayUpdate struct {
	UpdateID int64  `json:"update_id"`
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
}

type gatewaySend struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// NewLongPollFactory builds the listener factory for a gateway base URL.
func NewLongPollFactory(gatewayURL string, client *http.Client, logger *logging.Logger) ListenerFactory {
	if client == nil {
		client = &http.Client{Timeout: longPollWait + 10*time.Second}
	}
	return func(b Bot, handler MessageHandler) Listener {
		return &LongPollListener{
			bot:        b,
			gatewayURL: gatewayURL,
			client:     client,
			handler:    handler,
			logger:     logger,
		}
	}
}

// Run polls until the context is cancelled. Transient gateway errors back off
// exponentially up to a minute and never kill the loop.
func (l *LongPollListener) Run(ctx context.Context) error {
	var offset int64
	backoff := listenerBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := l.fetchUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("gateway poll failed", map[string]string{
				"bot_id": l.bot.ID, "error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > listenerMaxRetry {
				backoff = listenerMaxRetry
			}
			continue
		}
		backoff = listenerBackoff
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			l.dispatch(ctx, update)
		}
	}
}

func (l *LongPollListener) fetchUpdates(ctx context.Context, offset int64) ([]gatewayUpdate, error) {
	endpoint := fmt.Sprintf("%s/v1/updates?offset=%s&timeout=%d",
		l.gatewayURL, url.QueryEscape(strconv.FormatInt(offset, 10)), int(longPollWait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+l.bot.AccessToken)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}
	var updates []gatewayUpdate
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (l *LongPollListener) dispatch(ctx context.Context, update gatewayUpdate) {
	if update.UserID == "" || update.Text == "" {
		return
	}
	reply, err := l.handler(ctx, l.bot.ID, update.UserID, update.Text, "")
	if err != nil {
		l.logger.Error("inbound message failed", map[string]string{
			"bot_id":  l.bot.ID,
			"user_id": update.UserID,
			"error":   err.Error(),
		})
		l.send(ctx, update.UserID, "Sorry, something went wrong while answering. Please try again.")
		return
	}
	l.send(ctx, update.UserID, reply.Text)
}

func (l *LongPollListener) send(ctx context.Context, userID, text string) {
	payload, err := json.Marshal(gatewaySend{UserID: userID, Text: text})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.gatewayURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+l.bot.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("gateway send failed", map[string]string{
			"bot_id": l.bot.ID, "error": err.Error(),
		})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.logger.Warn("gateway send rejected", map[string]string{
			"bot_id": l.bot.ID, "status": resp.Status,
		})
	}
}
