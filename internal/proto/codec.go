package proto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"crownlink/internal/link"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type wireMsg struct {
	Type       string  `json:"type"`
	Mac        *string `json:"mac,omitempty"`
	PublicKey  *string `json:"publickey,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	NetCheck   *string `json:"NetCheck,omitempty"`
	Success    *bool   `json:"success,omitempty"`
}

// wireFields lists the keys each message type may carry besides "type".
// Names are matched exactly.
var wireFields = map[string][]string{
	MsgTypeExistingCrown:     {"mac"},
	MsgTypeRespExistingCrown: {"mac"},
	MsgTypeReqPublicKey:      {"mac"},
	MsgTypeRespPublicKey:     {"publickey"},
	MsgTypeReqAsmKey:         {"mac", "privateKey", "NetCheck"},
	MsgTypePrivkeyAck:        {"success"},
}

func Encode(m Message) ([]byte, error) {
	var w wireMsg
	switch v := m.(type) {
	case ExistingCrown:
		w.Mac = strPtr(v.Mac.String())
	case RespExistingCrown:
		w.Mac = strPtr(v.Mac.String())
	case ReqPublicKey:
		w.Mac = strPtr(v.Mac.String())
	case RespPublicKey:
		w.PublicKey = strPtr(hex.EncodeToString(v.PublicKey[:]))
	case ReqAsmKey:
		if err := checkSessionKey(v.PrivateKey); err != nil {
			return nil, err
		}
		w.Mac = strPtr(v.Mac.String())
		w.PrivateKey = strPtr(hex.EncodeToString(v.PrivateKey))
		w.NetCheck = strPtr(v.NetCheck)
	case PrivkeyAck:
		w.Success = &v.Success
	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
	w.Type = m.MsgType()
	return json.Marshal(w)
}

// Decode parses and validates a plaintext message. Any unknown type,
// missing field or mistyped field is ErrMalformedEnvelope.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}
	if !IsPlain(data) {
		return nil, fmt.Errorf("%w: not a json object", ErrMalformedEnvelope)
	}
	if err := checkFields(data); err != nil {
		return nil, err
	}
	var w wireMsg
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch w.Type {
	case MsgTypeExistingCrown:
		mac, err := decodeMac(w.Mac)
		if err != nil {
			return nil, err
		}
		return ExistingCrown{Mac: mac}, nil
	case MsgTypeRespExistingCrown:
		mac, err := decodeMac(w.Mac)
		if err != nil {
			return nil, err
		}
		return RespExistingCrown{Mac: mac}, nil
	case MsgTypeReqPublicKey:
		mac, err := decodeMac(w.Mac)
		if err != nil {
			return nil, err
		}
		return ReqPublicKey{Mac: mac}, nil
	case MsgTypeRespPublicKey:
		if w.PublicKey == nil {
			return nil, missing("publickey")
		}
		raw, err := hex.DecodeString(*w.PublicKey)
		if err != nil || len(raw) != PublicKeySize {
			return nil, fmt.Errorf("%w: bad publickey", ErrMalformedEnvelope)
		}
		var m RespPublicKey
		copy(m.PublicKey[:], raw)
		return m, nil
	case MsgTypeReqAsmKey:
		mac, err := decodeMac(w.Mac)
		if err != nil {
			return nil, err
		}
		if w.PrivateKey == nil {
			return nil, missing("privateKey")
		}
		if w.NetCheck == nil {
			return nil, missing("NetCheck")
		}
		if len(*w.NetCheck) > MaxNetCheckSize {
			return nil, fmt.Errorf("%w: NetCheck too long", ErrMalformedEnvelope)
		}
		key, err := hex.DecodeString(*w.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: bad privateKey", ErrMalformedEnvelope)
		}
		if err := checkSessionKey(key); err != nil {
			return nil, err
		}
		return ReqAsmKey{Mac: mac, PrivateKey: key, NetCheck: *w.NetCheck}, nil
	case MsgTypePrivkeyAck:
		if w.Success == nil {
			return nil, missing("success")
		}
		return PrivkeyAck{Success: *w.Success}, nil
	case "":
		return nil, missing("type")
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, w.Type)
	}
}

// IsPlain reports whether data is a JSON object. Everything else on the
// link is treated as a sealed blob.
func IsPlain(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(data)
}

// checkFields rejects keys outside the catalogue for the message type.
// encoding/json folds case when filling structs, so this runs first.
func checkFields(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	rawType, ok := raw["type"]
	if !ok {
		return missing("type")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return fmt.Errorf("%w: type: %v", ErrMalformedEnvelope, err)
	}
	allowed, ok := wireFields[typ]
	if !ok {
		if typ == "" {
			return missing("type")
		}
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, typ)
	}
	for k := range raw {
		if k != "type" && !slices.Contains(allowed, k) {
			return fmt.Errorf("%w: unexpected field %q in %s", ErrMalformedEnvelope, k, typ)
		}
	}
	return nil
}

func decodeMac(s *string) (link.Addr, error) {
	if s == nil {
		return link.Addr{}, missing("mac")
	}
	a, err := link.ParseAddr(*s)
	if err != nil {
		return link.Addr{}, fmt.Errorf("%w: bad mac: %v", ErrMalformedEnvelope, err)
	}
	if a.IsZero() || a.IsBroadcast() {
		return link.Addr{}, fmt.Errorf("%w: mac %s not unicast", ErrMalformedEnvelope, a)
	}
	return a, nil
}

func checkSessionKey(k []byte) error {
	if len(k) < MinSessionKeySize || len(k) > MaxSessionKeySize {
		return fmt.Errorf("%w: session key length %d", ErrMalformedEnvelope, len(k))
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, field)
}

func strPtr(s string) *string {
	return &s
}
