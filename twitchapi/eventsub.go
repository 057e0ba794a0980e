package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrCapacityExceeded indicates Twitch rejected a subscription because the
// account hit its total-cost ceiling. Recoverable: the caller logs utilization
// and may retry after slots free up.
var ErrCapacityExceeded = errors.New("eventsub subscription capacity exceeded")

// EventSubSubscription mirrors the Helix subscription resource (fields we use).
type EventSubSubscription struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
	Transport struct {
		Method   string `json:"method"`
		Callback string `json:"callback"`
	} `json:"transport"`
	CreatedAt string `json:"created_at"`
	Cost      int    `json:"cost"`
}

// EventSubList is one page-merged listing with the account-level cost meta.
type EventSubList struct {
	Subscriptions []EventSubSubscription
	Total         int
	TotalCost     int
	MaxTotalCost  int
}

// CreateEventSubSubscription registers a webhook subscription for subType on
// the broadcaster. Returns the new subscription id. A 409 (already exists
// upstream) is treated as success with an empty id; 429 maps to
// ErrCapacityExceeded without retries.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, callbackURL, secret string) (string, error) {
	// channel.raid has no broadcaster_user_id condition; it is keyed on
	// either end of the raid. We watch raids leaving the broadcaster.
	conditionKey := "broadcaster_user_id"
	if subType == "channel.raid" {
		conditionKey = "from_broadcaster_user_id"
	}
	payload, err := json.Marshal(map[string]any{
		"type":    subType,
		"version": "1",
		"condition": map[string]string{
			conditionKey: broadcasterID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": callbackURL,
			"secret":   secret,
		},
	})
	if err != nil {
		return "", err
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	err = hc.doApp(ctx, http.MethodPost, "/helix/eventsub/subscriptions", nil, payload, false, &body)
	if err != nil {
		var he *HelixError
		if errors.As(err, &he) {
			switch he.Status {
			case http.StatusTooManyRequests:
				return "", ErrCapacityExceeded
			case http.StatusConflict:
				return "", nil
			case http.StatusBadRequest:
				// Twitch also reports the ceiling as a 400 with a limit message.
				if strings.Contains(strings.ToLower(he.Body), "limit") {
					return "", ErrCapacityExceeded
				}
			}
		}
		return "", err
	}
	if len(body.Data) == 0 {
		return "", errors.New("eventsub create returned no subscription")
	}
	return body.Data[0].ID, nil
}

// DeleteEventSubSubscription removes a subscription by id. 404 is a no-op
// success (already gone).
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("subscription id empty")
	}
	q := url.Values{}
	q.Set("id", id)
	err := hc.doApp(ctx, http.MethodDelete, "/helix/eventsub/subscriptions", q, nil, false, nil)
	var he *HelixError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// ListEventSubSubscriptions pages through all registered subscriptions,
// optionally filtered by status ("" for all).
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context, status string) (*EventSubList, error) {
	out := &EventSubList{}
	cursor := ""
	for {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data         []EventSubSubscription `json:"data"`
			Total        int                    `json:"total"`
			TotalCost    int                    `json:"total_cost"`
			MaxTotalCost int                    `json:"max_total_cost"`
			Pagination   struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.doApp(ctx, http.MethodGet, "/helix/eventsub/subscriptions", q, nil, true, &body); err != nil {
			return nil, err
		}
		out.Subscriptions = append(out.Subscriptions, body.Data...)
		out.Total = body.Total
		out.TotalCost = body.TotalCost
		out.MaxTotalCost = body.MaxTotalCost
		if body.Pagination.Cursor == "" {
			break
		}
		cursor = body.Pagination.Cursor
	}
	return out, nil
}
