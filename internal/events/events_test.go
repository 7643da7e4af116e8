package events

import (
	"testing"
	"time"
)

func TestKindAndEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{RequestID: "req-1", Seq: 2, RecvTime: time.Unix(0, 0), Provider: "anthropic"}

	cases := []Event{
		RequestHeaders{Envelope: env, Headers: map[string]string{"x": "y"}},
		RequestBody{Envelope: env, Body: map[string]any{"model": "claude-3-opus"}},
		ResponseHeaders{Envelope: env, Status: 200},
		ResponseProgress{Envelope: env, Progress: Progress{DeltaText: "hi"}},
		ResponseComplete{Envelope: env, Body: map[string]any{"id": "msg_1"}},
		ResponseDone{Envelope: env},
		Error{Envelope: env, Code: 500, Reason: "boom"},
		ProxyError{Envelope: env, Err: "connect refused"},
		Log{Envelope: env, Method: "GET", Path: "/healthz", Status: 200},
	}

	wantKinds := []Kind{
		KindRequestHeaders, KindRequestBody, KindResponseHeaders, KindResponseProgress,
		KindResponseComplete, KindResponseDone, KindError, KindProxyError, KindLog,
	}

	for i, ev := range cases {
		if ev.Kind() != wantKinds[i] {
			t.Errorf("case %d: Kind() = %q, want %q", i, ev.Kind(), wantKinds[i])
		}
		if ev.Env() != env {
			t.Errorf("case %d: Env() = %+v, want %+v", i, ev.Env(), env)
		}
	}
}
