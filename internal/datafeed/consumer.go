package datafeed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/event"
	"github.com/and161185/fedgate/internal/model"
	"github.com/and161185/fedgate/internal/service"
)

// ManagedUsers reports whether a pod user is managed by this gateway.
// service.SessionPool satisfies it.
type ManagedUsers interface {
	SessionExists(ctx context.Context, userID int64) bool
}

// Consumer decodes feed envelopes and fans the results out. It keeps no
// state between envelopes and is safe for concurrent use.
type Consumer struct {
	members   ManagedUsers
	decryptor service.Decryptor
	events    *event.Registry[event.Event]
	raw       *event.Registry[[]byte]
	log       *zap.Logger
}

// NewConsumer wires a consumer. raw may be nil when nobody needs undecoded envelopes.
func NewConsumer(members ManagedUsers, decryptor service.Decryptor, events *event.Registry[event.Event], raw *event.Registry[[]byte], log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if raw == nil {
		raw = event.NewRegistry[[]byte](log)
	}
	return &Consumer{members: members, decryptor: decryptor, events: events, raw: raw, log: log}
}

// Consume processes one envelope. Only a malformed envelope (errs.ErrEnvelopeParse)
// or a cancelled ctx is returned; content failures are logged and absorbed.
func (c *Consumer) Consume(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	log := c.log.With(zap.String("envelopeId", env.ID), zap.String("payloadType", env.PayloadType))

	switch env.PayloadType {
	case PayloadMessage:
		err = c.consumeMessage(ctx, log, env)
	case PayloadPlatformEvent:
		err = c.consumePlatformEvent(ctx, log, env)
	default:
		log.Debug("unknown payload type, not decoded")
	}

	// Raw listeners see every envelope that made it past the outer parse,
	// whatever happened to its content.
	c.raw.Dispatch(ctx, raw)

	return err
}

func (c *Consumer) consumeMessage(ctx context.Context, log *zap.Logger, env *Envelope) error {
	in, err := env.ParseInner()
	if err != nil {
		return err
	}
	msg, err := in.SocialMessage()
	if err != nil {
		return err
	}
	log = log.With(zap.String("messageId", msg.MessageID), zap.String("threadId", msg.ThreadID))

	requester, ok := c.requestingUser(ctx, in.DistributionList, msg.FromUserID)
	if !ok {
		log.Debug("no managed participant, dropping message")
		return nil
	}
	encrypted, err := msg.EncryptedMessage()
	if err != nil {
		c.logContentFailure(log, requester, err)
		return nil
	}

	pt, err := c.decryptor.Decrypt(ctx, encrypted, requester)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logContentFailure(log, requester, err)
		return nil
	}

	m := event.Message{
		Meta:             meta(env, in),
		MessageID:        msg.MessageID,
		StreamID:         msg.ThreadID,
		FromUserID:       msg.FromUserID,
		RequestingUserID: requester,
		Recipients:       append([]int64(nil), in.DistributionList...),
		Text:             pt.Text,
		PresentationML:   pt.PresentationML,
		CustomEntities:   pt.CustomEntities,
		IngestedAt:       time.UnixMilli(msg.IngestionDate).UTC(),
	}
	var ev event.Event = event.IMMessage{Message: m}
	if msg.ChatType == model.ChatTypeRoom {
		ev = event.RoomMessage{Message: m}
	}
	c.dispatch(ctx, log, ev)
	return nil
}

// requestingUser picks the first managed participant: distribution list
// order first, then the sender.
func (c *Consumer) requestingUser(ctx context.Context, distribution []int64, sender int64) (int64, bool) {
	for _, id := range distribution {
		if c.members.SessionExists(ctx, id) {
			return id, true
		}
	}
	if sender != 0 && c.members.SessionExists(ctx, sender) {
		return sender, true
	}
	return 0, false
}

func (c *Consumer) logContentFailure(log *zap.Logger, requester int64, err error) {
	fields := []zap.Field{zap.Int64("requestingUserId", requester), zap.Error(err)}
	switch {
	case errors.Is(err, errs.ErrUnknownUser):
		log.Debug("requesting user no longer managed, dropping message", fields...)
	case errors.Is(err, errs.ErrAuthentication):
		log.Error("account authentication failed, dropping message", fields...)
	default:
		log.Warn("message dropped", fields...)
	}
}

func (c *Consumer) consumePlatformEvent(ctx context.Context, log *zap.Logger, env *Envelope) error {
	in, err := env.ParseInner()
	if err != nil {
		return err
	}
	pe, err := in.PlatformEvent()
	if err != nil {
		return err
	}
	ev, ok := toEvent(meta(env, in), pe)
	if !ok {
		log.Debug("unknown platform event, dropping", zap.String("event", pe.Event))
		return nil
	}
	c.dispatch(ctx, log, ev)
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, log *zap.Logger, ev event.Event) {
	if failed := c.events.Dispatch(ctx, ev); failed > 0 {
		log.Warn("some listeners failed", zap.String("kind", ev.Kind()), zap.Int("failed", failed))
	}
}

func meta(env *Envelope, in *Inner) event.Meta {
	return event.Meta{EnvelopeID: env.ID, PodID: in.PodID, OccurredAt: in.Created()}
}

func toEvent(m event.Meta, pe *PlatformEvent) (event.Event, bool) {
	conn := event.Connection{Meta: m, FromUserID: pe.FromUserID, ToUserID: pe.ToUserID}
	room := event.Room{Meta: m, StreamID: pe.StreamID, ByUserID: pe.ActorID}
	members := append([]int64(nil), pe.Members...)

	switch pe.Event {
	case EventCreateIM:
		return event.IMCreated{Meta: m, StreamID: pe.StreamID, CreatorID: pe.ActorID, Members: members}, true
	case EventConnectionRequested:
		return event.ConnectionRequested{Connection: conn}, true
	case EventConnectionAccepted:
		return event.ConnectionAccepted{Connection: conn}, true
	case EventConnectionRefused:
		return event.ConnectionRefused{Connection: conn}, true
	case EventConnectionDeleted:
		return event.ConnectionDeleted{Connection: conn}, true
	case EventCreateRoom:
		return event.RoomCreated{Room: room, Name: pe.Name, Description: pe.Description, Members: members}, true
	case EventUpdateRoom:
		return event.RoomUpdated{Room: room, Name: pe.Name, Description: pe.Description}, true
	case EventDeactivateRoom:
		return event.RoomDeactivated{Room: room}, true
	case EventReactivateRoom:
		return event.RoomReactivated{Room: room}, true
	case EventJoinRoom:
		return event.UserJoinedRoom{Membership: event.Membership{Room: room, UserID: pe.UserID}}, true
	case EventLeaveRoom:
		return event.UserLeftRoom{Membership: event.Membership{Room: room, UserID: pe.UserID}}, true
	default:
		return nil, false
	}
}
