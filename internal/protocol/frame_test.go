package protocol

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// roundTrip asserts the law from spec.md §8: serialize → deserialize yields an equal message.
func roundTrip(t *testing.T, msg Message) {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripClientJob(t *testing.T) {
	roundTrip(t, &ClientJob{
		Argv:             []string{"g++", "-c", "hello.cpp", "-o", "hello.o"},
		ResolvedCompiler: "/usr/bin/g++",
		Env:              []string{"PATH=/usr/bin", "HOME=/root"},
		Cwd:              "/home/alice/project",
	})
}

func TestRoundTripClientJobResponse(t *testing.T) {
	roundTrip(t, &ClientJobResponse{
		Stdout:   []byte("compiling...\n"),
		Stderr:   nil,
		Final:    true,
		ExitCode: 0,
	})
}

func TestRoundTripQuit(t *testing.T) {
	roundTrip(t, &Quit{Reason: "no connections receiving anymore"})
}

func TestRoundTripHandshake(t *testing.T) {
	roundTrip(t, &Handshake{Port: 5167, Capacity: 8, FriendlyName: "build-host-3"})
}

func TestRoundTripPeer(t *testing.T) {
	roundTrip(t, &Peer{FriendlyName: "build-host-3", Port: 5167, Jobs: 4})
}

func TestRoundTripHasJobs(t *testing.T) {
	roundTrip(t, &HasJobs{
		CompilerKey: CompilerKey{Type: CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"},
		Count:       3,
		Port:        5167,
		PeerAddress: "10.0.0.5",
	})
}

func TestRoundTripRequestJobs(t *testing.T) {
	roundTrip(t, &RequestJobs{
		RequestID:   "b6b9b5c2-1f7a-4e3b-9b2a-2f6b7c8d9e0f",
		CompilerKey: CompilerKey{Type: CompilerClang, Major: 16, Target: "aarch64-apple-darwin"},
		Count:       5,
	})
}

func TestRoundTripLastJob(t *testing.T) {
	roundTrip(t, &LastJob{
		RequestID:   "req-1",
		CompilerKey: CompilerKey{Type: CompilerGCC, Major: 11, Target: "x86_64-linux-gnu"},
		Granted:     2,
		HasMore:     true,
	})
}

func TestRoundTripJobMessage(t *testing.T) {
	// big enough to exercise the zlib compression path meaningfully
	preprocessed := bytes.Repeat([]byte("# 1 \"hello.cpp\"\nint main(){return 0;}\n"), 500)
	roundTrip(t, &JobMessage{
		ID:           42,
		Serial:       0,
		CompilerKey:  CompilerKey{Type: CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"},
		Preprocessed: preprocessed,
		Argv:         []string{"-c", "-x", "c++", "-", "-o", "-"},
		OutputPath:   "/home/alice/project/hello.o",
		RemoteName:   "alice@workstation-7",
	})
}

func TestRoundTripJobMessageEmptyPreprocessed(t *testing.T) {
	roundTrip(t, &JobMessage{ID: 1, CompilerKey: CompilerKey{Type: CompilerGCC}})
}

func TestRoundTripJobResponse(t *testing.T) {
	roundTrip(t, &JobResponse{
		ID:      42,
		Serial:  1,
		Mode:    JobResponseCompiled,
		Payload: bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 4096),
	})
}

func TestRoundTripJobDiscarded(t *testing.T) {
	roundTrip(t, &JobDiscarded{ID: 7})
}

func TestRoundTripBuildingEvent(t *testing.T) {
	roundTrip(t, &BuildingEvent{
		Kind:  BuildingStart,
		JobID: 9,
		Peer:  "build-host-3",
		File:  "hello.cpp",
	})
}

func TestFrameMultiplexing(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		&Handshake{Port: 1, Capacity: 2, FriendlyName: "a"},
		&JobDiscarded{ID: 5},
		&HasJobs{CompilerKey: CompilerKey{Type: CompilerClang, Major: 1}, Count: 1},
	}
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range msgs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("frame #%d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	// a frame with a plausible length but an unregistered tag byte
	_ = WriteFrame(&buf, &Quit{Reason: "x"})
	raw := buf.Bytes()
	raw[4] = 99 // stomp the tag byte (low 7 bits)
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected an error for an unknown tag")
	}
}

func TestCompilerKeyOrdering(t *testing.T) {
	a := CompilerKey{Type: CompilerGCC, Major: 11, Target: "x86_64-linux-gnu"}
	b := CompilerKey{Type: CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}
	c := CompilerKey{Type: CompilerClang, Major: 1, Target: "x86_64-linux-gnu"}

	if !a.Less(b) {
		t.Error("expected a < b by major version")
	}
	if b.Less(a) {
		t.Error("expected b not < a")
	}
	if !b.Less(c) {
		t.Error("expected b < c by type")
	}
}
