package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRegister(t *testing.T) {
	msg, err := Decode([]byte(`{"code":0,"name":"bench-12","token":"secret"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	reg, ok := msg.(*Register)
	if !ok {
		t.Fatalf("expected *Register, got %T", msg)
	}
	if reg.Name != "bench-12" || reg.Token != "secret" {
		t.Errorf("unexpected fields: %+v", reg)
	}
	if reg.MessageCode() != CodeRegister {
		t.Errorf("expected code %v, got %v", CodeRegister, reg.MessageCode())
	}
}

func TestDecodeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want WorkerStatus
	}{
		{`{"code":1,"status":0}`, StatusBusy},
		{`{"code":1,"status":1}`, StatusReady},
	}
	for _, c := range cases {
		msg, err := Decode([]byte(c.raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", c.raw, err)
		}
		status, ok := msg.(*Status)
		if !ok {
			t.Fatalf("expected *Status, got %T", msg)
		}
		if status.Status != c.want {
			t.Errorf("expected status %v, got %v", c.want, status.Status)
		}
	}
}

func TestDecodeStatusRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"code":2}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.MessageCode() != CodeStatusRequest {
		t.Errorf("expected status request, got %v", msg.MessageCode())
	}
}

func TestDecodeProgressOptionalFields(t *testing.T) {
	msg, err := Decode([]byte(`{"code":3,"percent":42.5}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	progress := msg.(*Progress)
	if progress.Percent == nil || *progress.Percent != 42.5 {
		t.Errorf("expected percent 42.5, got %v", progress.Percent)
	}
	if progress.Info != nil {
		t.Errorf("expected nil info, got %v", *progress.Info)
	}
}

func TestDecodeJobFailed(t *testing.T) {
	msg, err := Decode([]byte(`{"code":4,"info":"crashed","logs":"stack trace"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	failed := msg.(*JobFailed)
	if failed.Info == nil || *failed.Info != "crashed" {
		t.Errorf("unexpected info: %v", failed.Info)
	}
	if failed.Logs == nil || *failed.Logs != "stack trace" {
		t.Errorf("unexpected logs: %v", failed.Logs)
	}
}

func TestDecodeUnknownCode(t *testing.T) {
	if _, err := Decode([]byte(`{"code":99}`)); err == nil {
		t.Fatal("expected error for unknown code")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestEncodeUsesSnakeCaseDiscriminator(t *testing.T) {
	data, err := Encode(NewRegister("w1", "tok"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("encoded frame is not valid json: %v", err)
	}
	for _, key := range []string{"code", "name", "token"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing %q field in %s", key, data)
		}
	}
}

func TestEncodeDecodeStatusRequest(t *testing.T) {
	data, err := Encode(NewStatusRequest())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"code":2`) {
		t.Errorf("expected code 2 in %s", data)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.MessageCode() != CodeStatusRequest {
		t.Errorf("round trip changed code to %v", msg.MessageCode())
	}
}
