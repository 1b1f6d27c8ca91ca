// Package twilio sends WhatsApp messages through Twilio's Messages API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Client struct {
	api messageCreator

	// From is the sender, e.g. "whatsapp:+14155238886".
	From                string
	MessagingServiceSID string
}

type Options struct {
	AccountSID          string
	AuthToken           string
	From                string
	MessagingServiceSID string
}

func NewClient(opts Options) (*Client, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, errors.New("twilio account sid and auth token must be provided")
	}
	if opts.From == "" && opts.MessagingServiceSID == "" {
		return nil, errors.New("twilio from number or messaging service sid must be provided")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return &Client{api: rc.Api, From: opts.From, MessagingServiceSID: opts.MessagingServiceSID}, nil
}

func whatsappAddr(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

// SendText returns the Twilio message SID, which may be empty if Twilio omits it.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddr(to))
	params.SetBody(text)
	if c.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(c.MessagingServiceSID)
	} else {
		params.SetFrom(whatsappAddr(c.From))
	}

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if msg == nil || msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}
