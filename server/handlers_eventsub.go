package server

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/tracker"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"

	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"

	// Twitch signs id + timestamp + body; a message older than this is
	// rejected as a possible replay.
	maxMessageAge = 10 * time.Minute

	maxCallbackBody = 1 << 20
)

type eventSubEnvelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// HandleEventSubCallback receives Twitch webhook deliveries: signature
// verification first, then challenge echo, duplicate drop, and routing to
// the tracker or the subscription manager.
func (h *Handlers) HandleEventSubCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	signature := r.Header.Get(headerMessageSignature)
	if msgID == "" || timestamp == "" || signature == "" {
		http.Error(w, "missing eventsub headers", http.StatusForbidden)
		return
	}
	if !verifySignature(h.secret, msgID, timestamp, body, signature) {
		telemetry.LoggerWithCorr(r.Context()).Warn("eventsub signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err != nil || time.Since(ts) > maxMessageAge {
		http.Error(w, "stale message", http.StatusForbidden)
		return
	}

	var env eventSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(env.Challenge))

	case messageTypeNotification:
		// Twitch retries deliveries; a duplicate message id is
		// acknowledged without reprocessing.
		if h.seen.isDuplicate(msgID) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.notify.HandleNotification(r.Context(), tracker.Notification{
			SubType: env.Subscription.Type,
			Event:   env.Event,
		})
		w.WriteHeader(http.StatusNoContent)

	case messageTypeRevocation:
		h.revoke.HandleRevoked(r.Context(), env.Subscription.ID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "unknown message type", http.StatusBadRequest)
	}
}

func verifySignature(secret, msgID, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msgID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// messageDedup is a fixed-capacity LRU of recently seen message ids.
type messageDedup struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	ids   map[string]*list.Element
}

func newMessageDedup(capacity int) *messageDedup {
	return &messageDedup{
		cap:   capacity,
		order: list.New(),
		ids:   make(map[string]*list.Element),
	}
}

// isDuplicate records the id and reports whether it was already present.
func (d *messageDedup) isDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.ids[id]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.ids[id] = d.order.PushFront(id)
	if d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.ids, oldest.Value.(string))
	}
	return false
}
