package exchange

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Event is one decoded program event. Field values are Go-native: string,
// uint64, int64, bool, and base58 address strings for public keys.
type Event struct {
	Name   string
	Fields map[string]any
}

const eventLogPrefix = "Program data: "

// DecodeEvents extracts the marketplace events a transaction emitted from
// its log messages. Log lines that are not event payloads, carry an unknown
// discriminator, or belong to other programs are skipped, not errors; a
// payload that matches a known event but fails to decode is reported.
func DecodeEvents(schema *Schema, logs []string) ([]Event, error) {
	if schema == nil {
		return nil, newError(ErrInterfaceIncomplete, "program schema is nil")
	}
	var out []Event
	for _, line := range logs {
		if !strings.HasPrefix(line, eventLogPrefix) {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, eventLogPrefix))
		if err != nil || len(payload) < 8 {
			continue
		}
		spec, ok := matchEvent(schema, payload[:8])
		if !ok {
			continue
		}
		event, err := decodeEventBody(spec, payload[8:])
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func matchEvent(schema *Schema, discriminator []byte) (EventSpec, bool) {
	for _, spec := range schema.Events {
		tag := EventDiscriminator(spec.Name)
		if bytes.Equal(tag[:], discriminator) {
			return spec, true
		}
	}
	return EventSpec{}, false
}

func decodeEventBody(spec EventSpec, body []byte) (Event, error) {
	dec := bin.NewBorshDecoder(body)
	fields := make(map[string]any, len(spec.Fields))
	for _, field := range spec.Fields {
		value, err := decodeEventField(dec, field)
		if err != nil {
			return Event{}, wrapError(ErrEncodingFailed, err, "decode event %s field %q", spec.Name, field.Name)
		}
		fields[field.Name] = value
	}
	return Event{Name: spec.Name, Fields: fields}, nil
}

func decodeEventField(dec *bin.Decoder, field Field) (any, error) {
	switch field.Kind {
	case KindU64:
		return dec.ReadUint64(binary.LittleEndian)
	case KindI64:
		return dec.ReadInt64(binary.LittleEndian)
	case KindU8:
		return dec.ReadByte()
	case KindBool:
		return dec.ReadBool()
	case KindString:
		length, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		raw, err := dec.ReadNBytes(int(length))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case KindPubkey:
		raw, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, err
		}
		return solana.PublicKeyFromBytes(raw).String(), nil
	default:
		return nil, newError(ErrEncodingFailed, "unsupported event field kind %q", field.Kind)
	}
}
