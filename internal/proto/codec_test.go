package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"crownlink/internal/link"
	"crownlink/internal/testutil"
)

var testMac = link.Addr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}

func TestEncodeWireShape(t *testing.T) {
	var pub [PublicKeySize]byte
	pub[0] = 0x7f
	cases := []struct {
		msg  Message
		want string
	}{
		{ExistingCrown{Mac: testMac}, `{"type":"existingCrown","mac":"02:aa:bb:cc:dd:ee"}`},
		{RespExistingCrown{Mac: testMac}, `{"type":"respExistingCrown","mac":"02:aa:bb:cc:dd:ee"}`},
		{ReqPublicKey{Mac: testMac}, `{"type":"reqPublickey","mac":"02:aa:bb:cc:dd:ee"}`},
		{RespPublicKey{PublicKey: pub}, `{"type":"respPublickey","publickey":"7f` + strings.Repeat("00", 31) + `"}`},
		{ReqAsmKey{Mac: testMac, PrivateKey: bytes.Repeat([]byte{1}, 16), NetCheck: ""},
			`{"type":"reqAsmKey","mac":"02:aa:bb:cc:dd:ee","privateKey":"` + strings.Repeat("01", 16) + `","NetCheck":""}`},
		{PrivkeyAck{Success: false}, `{"type":"privkeyAck","success":false}`},
	}
	for _, tc := range cases {
		got, err := Encode(tc.msg)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.msg.MsgType(), err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s:\n got %s\nwant %s", tc.msg.MsgType(), got, tc.want)
		}
		back, err := Decode(got)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.msg.MsgType(), err)
		}
		if back.MsgType() != tc.msg.MsgType() {
			t.Fatalf("type changed: %s -> %s", tc.msg.MsgType(), back.MsgType())
		}
	}
}

func TestDecodeReqAsmKeyFields(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	b, err := Encode(ReqAsmKey{Mac: testMac, PrivateKey: key, NetCheck: "ok:200"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := m.(ReqAsmKey)
	if !ok {
		t.Fatalf("unexpected type %T", m)
	}
	if req.Mac != testMac || !bytes.Equal(req.PrivateKey, key) || req.NetCheck != "ok:200" {
		t.Fatalf("field mismatch: %v", req)
	}
	if strings.Contains(req.String(), "ab") {
		t.Fatalf("String leaks key material: %s", req.String())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `hello`,
		"array":             `[1,2]`,
		"missing type":      `{"mac":"02:aa:bb:cc:dd:ee"}`,
		"unknown type":      `{"type":"reboot"}`,
		"missing mac":       `{"type":"existingCrown"}`,
		"mac wrong type":    `{"type":"existingCrown","mac":12}`,
		"mac bad text":      `{"type":"reqPublickey","mac":"zz"}`,
		"broadcast mac":     `{"type":"reqPublickey","mac":"ff:ff:ff:ff:ff:ff"}`,
		"short publickey":   `{"type":"respPublickey","publickey":"00"}`,
		"publickey not hex": `{"type":"respPublickey","publickey":"` + strings.Repeat("zz", 32) + `"}`,
		"no NetCheck":       `{"type":"reqAsmKey","mac":"02:aa:bb:cc:dd:ee","privateKey":"` + strings.Repeat("01", 16) + `"}`,
		"short key":         `{"type":"reqAsmKey","mac":"02:aa:bb:cc:dd:ee","privateKey":"0101","NetCheck":""}`,
		"null success":      `{"type":"privkeyAck","success":null}`,
		"string success":    `{"type":"privkeyAck","success":"true"}`,
		"missing success":   `{"type":"privkeyAck"}`,
		"upper case keys":   `{"TYPE":"existingCrown","MAC":"02:aa:bb:cc:dd:ee"}`,
		"miscased field":    `{"type":"existingCrown","Mac":"02:aa:bb:cc:dd:ee"}`,
		"miscased NetCheck": `{"type":"reqAsmKey","mac":"02:aa:bb:cc:dd:ee","privateKey":"` + strings.Repeat("01", 16) + `","netcheck":""}`,
		"unknown field":     `{"type":"reqPublickey","mac":"02:aa:bb:cc:dd:ee","extra":1}`,
		"foreign field":     `{"type":"privkeyAck","success":true,"mac":"02:aa:bb:cc:dd:ee"}`,
		"type not string":   `{"type":7}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestEncodeRejectsBadSessionKey(t *testing.T) {
	if _, err := Encode(ReqAsmKey{Mac: testMac, PrivateKey: []byte{1, 2}}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestIsPlain(t *testing.T) {
	if !IsPlain([]byte(` {"type":"x"}`)) {
		t.Fatalf("json object should be plain")
	}
	for _, in := range [][]byte{nil, []byte(`"str"`), []byte(`{"type":`), {0x7b, 0x00, 0xff}} {
		if IsPlain(in) {
			t.Fatalf("%q should not be plain", in)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"type":"existingCrown","mac":"02:aa:bb:cc:dd:ee"}`))
	f.Add([]byte(`{"type":"privkeyAck","success":true}`))
	f.Add([]byte{0x00, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := Decode(data)
			if err != nil {
				return
			}
			if _, err := Encode(m); err != nil {
				t.Fatalf("decoded message does not re-encode: %v", err)
			}
		})
	})
}
