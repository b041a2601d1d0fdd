package transcript

import (
	"testing"
	"time"
)

func TestAppendPreservesArrivalOrder(t *testing.T) {
	s := NewStore(5 * time.Second)
	s.Append("first", OriginUser, ModeText)
	s.Append("second", OriginAvatar, ModeText)
	s.Append("third", OriginUser, ModeVoice)

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" || msgs[2].Text != "third" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
}

func TestAppendDropsDuplicateWithinWindow(t *testing.T) {
	s := NewStore(5 * time.Second)
	dropped := 0
	s.SetDropHook(func() { dropped++ })

	if _, ok := s.Append("hello", OriginAvatar, ModeText); !ok {
		t.Fatalf("first append should be retained")
	}
	if _, ok := s.Append("hello", OriginAvatar, ModeText); ok {
		t.Fatalf("duplicate within window should be dropped")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if dropped != 1 {
		t.Fatalf("drop hook fired %d times, want 1", dropped)
	}
}

func TestAppendAllowsRepeatAfterWindow(t *testing.T) {
	s := NewStore(5 * time.Second)
	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	s.Append("are you still there?", OriginAvatar, ModeText)
	now = now.Add(6 * time.Second)
	if _, ok := s.Append("are you still there?", OriginAvatar, ModeText); !ok {
		t.Fatalf("repeat outside window should be retained")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
}

func TestDifferentModeIsNotADuplicate(t *testing.T) {
	s := NewStore(5 * time.Second)
	s.Append("ready to begin", OriginUser, ModeText)
	if _, ok := s.Append("ready to begin", OriginUser, ModeVoice); !ok {
		t.Fatalf("same text in a different mode should be retained")
	}
}

func TestClearEmptiesTranscriptAndDedupState(t *testing.T) {
	s := NewStore(5 * time.Second)
	s.Append("hello", OriginUser, ModeText)
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", s.Len())
	}
	if _, ok := s.Append("hello", OriginUser, ModeText); !ok {
		t.Fatalf("append after Clear should not be treated as duplicate")
	}
}

func TestAppendHookReceivesRetainedMessage(t *testing.T) {
	s := NewStore(5 * time.Second)
	var got []Message
	s.SetAppendHook(func(m Message) { got = append(got, m) })

	s.Append("hello", OriginUser, ModeText)
	s.Append("hello", OriginUser, ModeText)

	if len(got) != 1 {
		t.Fatalf("append hook fired %d times, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Fatalf("hook message should carry an id")
	}
}
