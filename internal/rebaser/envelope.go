// Package rebaser serves rebase requests arriving over AMQP: it moves a
// change set's snapshot pointer after absorbing another change set, or
// reports the conflicts that prevent it.
package rebaser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/rabbitmq/amqp091-go"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"

	HeaderMessageType    = "x-message-type"
	HeaderMessageVersion = "x-message-version"

	MessageTypeRequest  = "RebaseRequest"
	MessageTypeResponse = "RebaseResponse"
)

// ErrUnsupportedEnvelope is returned for a content type, message type and
// version combination this build cannot read.
var ErrUnsupportedEnvelope = errors.New("unsupported message envelope")

// Envelope describes how a message body is encoded.
type Envelope struct {
	ContentType string
	MessageType string
	Version     int
}

// supported lists every readable combination; bodies are only decoded once
// their envelope appears here.
var supported = map[Envelope]struct{}{
	{ContentTypeJSON, MessageTypeRequest, 1}:  {},
	{ContentTypeJSON, MessageTypeRequest, 2}:  {},
	{ContentTypeCBOR, MessageTypeRequest, 2}:  {},
	{ContentTypeJSON, MessageTypeResponse, 1}: {},
	{ContentTypeCBOR, MessageTypeResponse, 1}: {},
}

// CurrentRequest is the envelope new producers write requests with.
var CurrentRequest = Envelope{ContentType: ContentTypeJSON, MessageType: MessageTypeRequest, Version: 2}

func responseEnvelope(contentType string) Envelope {
	return Envelope{ContentType: contentType, MessageType: MessageTypeResponse, Version: 1}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s %s v%d", e.ContentType, e.MessageType, e.Version)
}

// Check rejects envelopes outside the supported set.
func (e Envelope) Check() error {
	if _, ok := supported[e]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEnvelope, e)
	}
	return nil
}

// Headers renders the envelope as AMQP headers. The content type travels in
// the message property.
func (e Envelope) Headers() amqp091.Table {
	return amqp091.Table{
		HeaderMessageType:    e.MessageType,
		HeaderMessageVersion: int32(e.Version),
	}
}

// EnvelopeOf reads the envelope of a delivered message.
func EnvelopeOf(contentType string, headers amqp091.Table) Envelope {
	e := Envelope{ContentType: contentType}
	if t, ok := headers[HeaderMessageType].(string); ok {
		e.MessageType = t
	}
	switch v := headers[HeaderMessageVersion].(type) {
	case int32:
		e.Version = int(v)
	case int64:
		e.Version = int(v)
	case int:
		e.Version = v
	case int16:
		e.Version = int(v)
	case int8:
		e.Version = int(v)
	case string:
		e.Version, _ = strconv.Atoi(v)
	}
	return e
}

func marshal(contentType string, v any) ([]byte, error) {
	switch contentType {
	case ContentTypeJSON:
		return json.Marshal(v)
	case ContentTypeCBOR:
		return cbor.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedEnvelope, contentType)
	}
}

func unmarshal(contentType string, data []byte, v any) error {
	switch contentType {
	case ContentTypeJSON:
		return json.Unmarshal(data, v)
	case ContentTypeCBOR:
		return cbor.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: content type %q", ErrUnsupportedEnvelope, contentType)
	}
}
