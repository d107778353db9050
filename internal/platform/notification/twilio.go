package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type twilioMessages interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio sends SMS through the Twilio REST API.
type Twilio struct {
	api  twilioMessages
	from string
}

func NewTwilio(accountSID, authToken, fromNumber string) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   accountSID,
		Password:   authToken,
		AccountSid: accountSID,
	})
	return &Twilio{api: client.Api, from: fromNumber}
}

// SendSMS requires an E.164 number. The Twilio client takes no context, so
// a cancelled ctx only prevents the call from starting.
func (t *Twilio) SendSMS(ctx context.Context, to, body string) error {
	if !strings.HasPrefix(to, "+") {
		return fmt.Errorf("twilio: %q is not an E.164 number", to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return fmt.Errorf("twilio: no message sid returned")
	}
	return nil
}
