// Package notifier implements the Notification Router (C7, spec.md §4.7):
// maps (account, event) to one or more delivery targets per the
// admin/broadcast subscription policy, and dispatches the message body.
//
// The messenger front-end that actually renders and sends these messages to
// Telegram is out of scope (spec.md §1); this package publishes to NATS
// subjects — one per destination kind — adapted from go-server/pkg/nats's
// publish-only surface, and the out-of-scope consumer is assumed to drain
// them.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/esharat1/esharar/internal/credential"
	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/metrics"
)

// Destination is a delivery target kind.
type Destination string

const (
	DestinationBroadcast Destination = "broadcast"
	DestinationAdminDM   Destination = "admin_dm"
)

// Message is the notification body (spec.md §4.7): full account address,
// nickname, signed amount, kind label, block-time, full counterparty for
// sends, routing tag, and — per the upstream product's design choice, not a
// core invariant — the decrypted credential. It carries no kind icon and no
// truncated form of the account or counterparty address.
type Message struct {
	Destination  Destination   `json:"destination"`
	SubscriberID int64         `json:"subscriber_id,omitempty"` // set only for admin_dm
	Account      string        `json:"account"`
	Nickname     string        `json:"nickname,omitempty"`
	AmountSOL    float64       `json:"amount_sol"`
	Kind         domain.TxKind `json:"kind"`
	BlockTime    time.Time     `json:"block_time"`
	Counterparty string        `json:"counterparty,omitempty"`
	Tag          string        `json:"tag"` // "also watched by users" | "only yours" | "" (broadcast-only)
	Credential   string        `json:"credential,omitempty"`
}

// Publisher is the narrow transport contract this package depends on.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Router is the Notification Router.
type Router struct {
	pub              Publisher
	custodian        *credential.Custodian
	broadcastSubject string
	adminSubscriber  int64
	metrics          *metrics.Registry
}

// New creates a Router. adminSubscriberID identifies the ADMIN subscriber
// per the routing table in spec.md §4.7.
func New(pub Publisher, custodian *credential.Custodian, broadcastSubject string, adminSubscriberID int64, m *metrics.Registry) *Router {
	return &Router{
		pub:              pub,
		custodian:        custodian,
		broadcastSubject: broadcastSubject,
		adminSubscriber:  adminSubscriberID,
		metrics:          m,
	}
}

// adminDMSubject returns the per-subscriber DM subject.
func adminDMSubject(subscriberID int64) string {
	return fmt.Sprintf("notify.dm.%d", subscriberID)
}

// Dispatch routes event to its destinations per the table in spec.md §4.7.
// subscribers is the full set watching event.Account (from
// registry.SubscribersOf); sealedCredential is the watch's opaque blob.
func (r *Router) Dispatch(ctx context.Context, event domain.Event, nickname string, subscribers []int64, sealedCredential []byte) error {
	adminWatches := false
	nonAdminWatches := false
	for _, s := range subscribers {
		if s == r.adminSubscriber {
			adminWatches = true
		} else {
			nonAdminWatches = true
		}
	}

	if !adminWatches && !nonAdminWatches {
		// Unreachable per spec.md §4.7: a watch with zero subscribers would
		// not exist, so there is nothing to dispatch to.
		return nil
	}

	plainCredential := ""
	if sealedCredential != nil && r.custodian != nil {
		opened, err := r.custodian.Open(sealedCredential)
		if err == nil {
			plainCredential = string(opened)
		}
	}

	base := Message{
		Account:      event.Account,
		Nickname:     nickname,
		AmountSOL:    event.AmountSOL,
		Kind:         event.Kind,
		BlockTime:    event.BlockTime,
		Counterparty: event.Counterparty,
		Credential:   plainCredential,
	}

	switch {
	case adminWatches && nonAdminWatches:
		broadcastMsg := base
		broadcastMsg.Destination = DestinationBroadcast
		broadcastMsg.Tag = "also watched by users"
		if err := r.publish(r.broadcastSubject, broadcastMsg); err != nil {
			return err
		}

		dmMsg := base
		dmMsg.Destination = DestinationAdminDM
		dmMsg.SubscriberID = r.adminSubscriber
		dmMsg.Tag = "also watched by users"
		return r.publish(adminDMSubject(r.adminSubscriber), dmMsg)

	case adminWatches && !nonAdminWatches:
		dmMsg := base
		dmMsg.Destination = DestinationAdminDM
		dmMsg.SubscriberID = r.adminSubscriber
		dmMsg.Tag = "only yours"
		return r.publish(adminDMSubject(r.adminSubscriber), dmMsg)

	default: // !adminWatches && nonAdminWatches
		broadcastMsg := base
		broadcastMsg.Destination = DestinationBroadcast
		return r.publish(r.broadcastSubject, broadcastMsg)
	}
}

func (r *Router) publish(subject string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if r.metrics != nil {
		r.metrics.NotificationsSent.WithLabelValues(string(msg.Destination)).Inc()
	}
	return nil
}
