package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/nyaruka/redisx"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/utils"
)

// the provider object we accept envelopes for
const expectedObject = "whatsapp_business_account"

// StatusApplier is what the receiver needs from the delivery store
type StatusApplier interface {
	ApplyStatusUpdate(ctx context.Context, update *herald.StatusUpdate) (bool, error)
}

// InboundFunc is called for each message a recipient sends back to us
type InboundFunc func(ctx context.Context, msg *InboundMessage)

// TemplateEventFunc is called for each template lifecycle change the provider pushes
type TemplateEventFunc func(ctx context.Context, event *TemplateEvent)

// Receiver verifies, dedups and applies provider webhook callbacks. Status updates go
// to the delivery store, inbound messages and template events go to registered
// callbacks.
type Receiver struct {
	rt       *runtime.Runtime
	statuses StatusApplier

	inbound       InboundFunc
	templateEvent TemplateEventFunc

	// recently processed event keys, repeats are ignored
	seen *redisx.IntervalSet
}

// NewReceiver creates a new webhook receiver applying status updates via the given
// store.
func NewReceiver(rt *runtime.Runtime, statuses StatusApplier) *Receiver {
	return &Receiver{
		rt:       rt,
		statuses: statuses,
		seen:     redisx.NewIntervalSet("webhook_seen", time.Minute*30, 2),
	}
}

// OnInbound registers the callback for inbound messages
func (r *Receiver) OnInbound(fn InboundFunc) { r.inbound = fn }

// OnTemplateEvent registers the callback for template status events
func (r *Receiver) OnTemplateEvent(fn TemplateEventFunc) { r.templateEvent = fn }

// VerifySubscription handles the provider's webhook subscription verification, echoing
// back the challenge when the mode and token check out.
func (r *Receiver) VerifySubscription(mode, verifyToken, challenge string) (string, error) {
	if mode != "subscribe" {
		return "", fmt.Errorf("unknown request")
	}
	if !utils.SecretEqual(verifyToken, r.rt.Config.WebhookVerifyToken) {
		return "", fmt.Errorf("token does not match verify token")
	}
	return challenge, nil
}

// Process verifies the signature of a callback payload, parses it and applies whatever
// it carries, returning how many events were handled. Malformed payloads and bad
// signatures error without side effects. Status updates for messages we don't know are
// logged and dropped, they are not errors.
func (r *Receiver) Process(ctx context.Context, payload []byte, signature string) (int, error) {
	if err := r.verifySignature(payload, signature); err != nil {
		return 0, err
	}

	notifications := &Notifications{}
	if err := json.Unmarshal(payload, notifications); err != nil {
		return 0, fmt.Errorf("unable to parse webhook payload: %w", err)
	}
	if notifications.Object != "" && notifications.Object != expectedObject {
		return 0, fmt.Errorf("object expected '%s', found '%s'", expectedObject, notifications.Object)
	}

	rc := r.rt.VK.Get()
	defer rc.Close()

	handled := 0

	for _, entry := range notifications.Entry {
		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				contactNames := make(map[string]string, len(change.Value.Contacts))
				for _, contact := range change.Value.Contacts {
					contactNames[contact.WaID] = contact.Profile.Name
				}

				for i := range change.Value.Statuses {
					applied, err := r.processStatus(ctx, rc, &change.Value.Statuses[i])
					if err != nil {
						return handled, err
					}
					if applied {
						handled++
					}
				}

				for i := range change.Value.Messages {
					msg := change.Value.Messages[i]
					msg.ProfileName = contactNames[msg.From]
					if r.processInbound(ctx, rc, &msg) {
						handled++
					}
				}

				for _, chError := range change.Value.Errors {
					slog.Warn("webhook reported channel error", "comp", "webhook", "code", chError.Code, "title", chError.Title)
				}

			case "message_template_status_update":
				if r.processTemplateEvent(ctx, rc, &change) {
					handled++
				}

			default:
				slog.Debug("ignoring webhook change", "comp", "webhook", "field", change.Field)
			}
		}
	}

	return handled, nil
}

// processStatus applies one status update to its delivery record, returning whether it
// took effect
func (r *Receiver) processStatus(ctx context.Context, rc redis.Conn, status *Status) (bool, error) {
	log := slog.With("comp", "webhook", "msg_id", status.ID, "status", status.Status)

	mapped, found := StatusMapping[status.Status]
	if !found {
		if IgnoreStatuses[status.Status] {
			log.Debug("ignoring status")
		} else {
			log.Warn("unknown status")
		}
		return false, nil
	}

	key := fmt.Sprintf("status|%s|%s", status.ID, status.Status)
	if seen, err := r.seen.IsMember(rc, key); err != nil {
		log.Error("error checking event dedup", "error", err)
	} else if seen {
		log.Debug("ignoring repeated status event")
		return false, nil
	}

	update := &herald.StatusUpdate{
		ExternalID: status.ID,
		Status:     mapped,
		OccurredOn: epochTime(status.Timestamp, time.Now()),
	}
	if status.Conversation != nil {
		update.ConversationID = status.Conversation.ID
	}
	if status.Pricing != nil {
		update.PricingModel = status.Pricing.PricingModel
	}
	if len(status.Errors) > 0 {
		update.ErrorCode = strconv.Itoa(status.Errors[0].Code)
		update.ErrorMessage = status.Errors[0].Title
	}

	known, err := r.statuses.ApplyStatusUpdate(ctx, update)
	if err != nil {
		return false, fmt.Errorf("error applying status update for %s: %w", status.ID, err)
	}
	if !known {
		log.Warn("status update for unknown message")
		return false, nil
	}

	if err := r.seen.Add(rc, key); err != nil {
		log.Error("error recording event dedup", "error", err)
	}
	return true, nil
}

// processInbound hands one inbound message to the registered callback, returning
// whether it was handled
func (r *Receiver) processInbound(ctx context.Context, rc redis.Conn, msg *InboundMessage) bool {
	log := slog.With("comp", "webhook", "msg_id", msg.ID, "from", msg.From)

	key := "inbound|" + msg.ID
	if seen, err := r.seen.IsMember(rc, key); err != nil {
		log.Error("error checking event dedup", "error", err)
	} else if seen {
		log.Debug("ignoring repeated inbound message")
		return false
	}

	for _, msgError := range msg.Errors {
		log.Warn("webhook reported message error", "code", msgError.Code, "title", msgError.Title)
	}

	if r.inbound == nil {
		log.Debug("no inbound handler registered, dropping message")
		return false
	}
	r.inbound(ctx, msg)

	if err := r.seen.Add(rc, key); err != nil {
		log.Error("error recording event dedup", "error", err)
	}
	return true
}

// processTemplateEvent forwards one template lifecycle change to the registered
// callback, returning whether it was handled
func (r *Receiver) processTemplateEvent(ctx context.Context, rc redis.Conn, change *Change) bool {
	event := &TemplateEvent{
		Name:     change.Value.MessageTemplateName,
		Language: change.Value.MessageTemplateLanguage,
		Event:    strings.ToLower(change.Value.Event),
		Reason:   change.Value.Reason,
	}
	log := slog.With("comp", "webhook", "template", event.Name, "event", event.Event)

	if event.Name == "" || event.Event == "" {
		log.Warn("ignoring incomplete template status update")
		return false
	}

	key := fmt.Sprintf("template|%s|%s|%s", event.Name, event.Language, event.Event)
	if seen, err := r.seen.IsMember(rc, key); err != nil {
		log.Error("error checking event dedup", "error", err)
	} else if seen {
		log.Debug("ignoring repeated template event")
		return false
	}

	if r.templateEvent == nil {
		log.Debug("no template handler registered, dropping event")
		return false
	}
	r.templateEvent(ctx, event)

	if err := r.seen.Add(rc, key); err != nil {
		log.Error("error recording event dedup", "error", err)
	}
	return true
}

// verifySignature checks the sha256= prefixed HMAC of the raw body against our
// configured secret in a way that isn't sensitive to a timing attack. No configured
// secret means verification is off.
func (r *Receiver) verifySignature(payload []byte, signature string) error {
	secret := r.rt.Config.WebhookSecret
	if secret == "" {
		return nil
	}
	if signature == "" {
		return fmt.Errorf("missing request signature: %w", herald.ErrWebhookSignature)
	}

	hexSig := strings.TrimPrefix(signature, "sha256=")
	if hexSig == signature || !utils.VerifyHMAC256(secret, payload, hexSig) {
		return herald.ErrWebhookSignature
	}
	return nil
}
