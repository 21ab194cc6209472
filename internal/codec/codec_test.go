package codec

import (
	"bytes"
	"testing"
)

func TestDecodeRejectsEmptyAndUnknownFrames(t *testing.T) {
	if _, ok := Decode(nil); ok {
		t.Fatalf("expected nil frame to be rejected")
	}
	if _, ok := Decode([]byte{}); ok {
		t.Fatalf("expected empty frame to be rejected")
	}
	if _, ok := Decode([]byte{7, 1, 2}); ok {
		t.Fatalf("expected unknown tag to be rejected")
	}
}

func TestEncodeDecodeKeepsKindAndPayload(t *testing.T) {
	frame := Encode(KindAwareness, []byte("cursor"))
	if frame[0] != byte(KindAwareness) {
		t.Fatalf("expected leading tag %d, got %d", KindAwareness, frame[0])
	}
	message, ok := Decode(frame)
	if !ok {
		t.Fatalf("expected frame to decode")
	}
	if message.Kind != KindAwareness {
		t.Fatalf("unexpected kind %s", message.Kind)
	}
	if !bytes.Equal(message.Payload, []byte("cursor")) {
		t.Fatalf("unexpected payload %q", message.Payload)
	}
}

func TestPeekKindRoutesWithoutPayload(t *testing.T) {
	kind, ok := PeekKind(EncodeSyncUpdate([]byte{9, 9}))
	if !ok || kind != KindStateSync {
		t.Fatalf("expected state sync kind, got %v ok=%v", kind, ok)
	}
	if _, ok := PeekKind(nil); ok {
		t.Fatalf("expected empty frame to have no kind")
	}
}

func TestDecodeSyncSteps(t *testing.T) {
	cases := []struct {
		name   string
		frame  []byte
		step   SyncStep
		update bool
	}{
		{name: "step1", frame: EncodeSyncStep1([]byte{1}), step: SyncStep1, update: false},
		{name: "step2", frame: EncodeSyncStep2([]byte{2}), step: SyncStep2, update: true},
		{name: "update", frame: EncodeSyncUpdate([]byte{3}), step: SyncUpdate, update: true},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			message, ok := Decode(testCase.frame)
			if !ok || message.Kind != KindStateSync {
				t.Fatalf("expected state sync envelope")
			}
			syncMessage, ok := DecodeSync(message.Payload)
			if !ok {
				t.Fatalf("expected sync payload to decode")
			}
			if syncMessage.Step != testCase.step {
				t.Fatalf("expected step %s, got %s", testCase.step, syncMessage.Step)
			}
			if syncMessage.Step.CarriesUpdate() != testCase.update {
				t.Fatalf("unexpected CarriesUpdate for %s", testCase.step)
			}
			if len(syncMessage.Body) != 1 {
				t.Fatalf("expected single body byte, got %d", len(syncMessage.Body))
			}
		})
	}
}

func TestDecodeSyncRejectsTruncatedPayload(t *testing.T) {
	if _, ok := DecodeSync(nil); ok {
		t.Fatalf("expected empty sync payload to be rejected")
	}
	if _, ok := DecodeSync([]byte{42}); ok {
		t.Fatalf("expected unknown sync step to be rejected")
	}
}
