package inputmode

import (
	"context"
	"errors"
	"testing"
)

type fakeChannel struct {
	startErr error
	starts   int
	stops    int
}

func (f *fakeChannel) StartVoiceInput(context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeChannel) StopVoiceInput(context.Context) error {
	f.stops++
	return nil
}

func TestToVoiceHappyPath(t *testing.T) {
	c := NewController()
	ch := &fakeChannel{}
	if err := c.ToVoice(context.Background(), ch, MicGranted); err != nil {
		t.Fatalf("ToVoice() error = %v", err)
	}
	if c.Mode() != ModeVoice {
		t.Fatalf("Mode() = %q, want voice", c.Mode())
	}
	if ch.starts != 1 {
		t.Fatalf("StartVoiceInput called %d times, want 1", ch.starts)
	}
}

func TestToVoiceDeniedKeepsTextAndNoChannel(t *testing.T) {
	c := NewController()
	ch := &fakeChannel{}
	err := c.ToVoice(context.Background(), ch, MicDenied)
	if !errors.Is(err, ErrMicPermission) {
		t.Fatalf("ToVoice() error = %v, want ErrMicPermission", err)
	}
	if c.Mode() != ModeText {
		t.Fatalf("Mode() = %q, want text after failed transition", c.Mode())
	}
	if ch.starts != 0 {
		t.Fatalf("audio channel should not be opened on denied mic")
	}
}

func TestToVoiceNotFoundDistinctError(t *testing.T) {
	c := NewController()
	err := c.ToVoice(context.Background(), &fakeChannel{}, MicNotFound)
	if !errors.Is(err, ErrMicNotFound) {
		t.Fatalf("ToVoice() error = %v, want ErrMicNotFound", err)
	}
	if UserMessage(err) == UserMessage(ErrMicPermission) {
		t.Fatalf("not-found and denied must map to distinct user messages")
	}
}

func TestToVoiceStartFailureRollsBackAndClosesChannel(t *testing.T) {
	c := NewController()
	ch := &fakeChannel{startErr: errors.New("upstream refused")}
	if err := c.ToVoice(context.Background(), ch, MicGranted); err == nil {
		t.Fatalf("ToVoice() should fail when the channel cannot open")
	}
	if c.Mode() != ModeText {
		t.Fatalf("Mode() = %q, want text after rollback", c.Mode())
	}
	if ch.stops != 1 {
		t.Fatalf("StopVoiceInput called %d times, want 1 (no orphaned channel)", ch.stops)
	}
}

func TestToTextTearsDownAudio(t *testing.T) {
	c := NewController()
	ch := &fakeChannel{}
	if err := c.ToVoice(context.Background(), ch, MicGranted); err != nil {
		t.Fatalf("ToVoice() error = %v", err)
	}
	if err := c.ToText(context.Background(), ch); err != nil {
		t.Fatalf("ToText() error = %v", err)
	}
	if c.Mode() != ModeText {
		t.Fatalf("Mode() = %q, want text", c.Mode())
	}
	if ch.stops != 1 {
		t.Fatalf("StopVoiceInput called %d times, want 1", ch.stops)
	}
}

func TestSameModeIsNoOp(t *testing.T) {
	c := NewController()
	ch := &fakeChannel{}
	if err := c.ToText(context.Background(), ch); err != nil {
		t.Fatalf("ToText() error = %v", err)
	}
	if ch.stops != 0 {
		t.Fatalf("no-op transition should not touch the channel")
	}
}
