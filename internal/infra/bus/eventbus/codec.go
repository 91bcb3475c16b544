package eventbus

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// EncodeEvent renders an event as the JSON envelope carried by transports.
func EncodeEvent(evt *schema.Event) (json.RawMessage, error) {
	if evt == nil {
		return nil, errs.New("eventbus/codec", errs.CodeInvalid, errs.WithMessage("cannot encode nil event"))
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, errs.New("eventbus/codec", errs.CodeInvalid,
			errs.WithMessage("encode event "+evt.ID),
			errs.WithChannel(string(evt.Channel)),
			errs.WithCause(err))
	}
	return data, nil
}

// DecodeEvent parses a transport envelope. Envelopes failing event validation
// are rejected so remote peers cannot inject malformed events.
func DecodeEvent(payload []byte) (*schema.Event, error) {
	if len(payload) == 0 {
		return nil, errs.New("eventbus/codec", errs.CodeInvalid, errs.WithMessage("empty transport payload"))
	}
	evt := new(schema.Event)
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, errs.New("eventbus/codec", errs.CodeInvalid, errs.WithMessage("decode transport payload"), errs.WithCause(err))
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

func enforcePayloadCap(data map[string]any, capBytes int) error {
	if len(data) == 0 || capBytes <= 0 {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("data is not serialisable"), errs.WithCause(err))
	}
	if len(encoded) > capBytes {
		return errs.New(
			"eventbus/publish",
			errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("data payload %d bytes exceeds cap %d bytes", len(encoded), capBytes)),
		)
	}
	return nil
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
