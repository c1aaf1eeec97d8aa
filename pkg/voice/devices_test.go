package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStreamMicrophone(t *testing.T) {
	mic := NewStreamMicrophone(8)

	if _, err := mic.Write([]byte("x")); !errors.Is(err, ErrNoRecording) {
		t.Errorf("Expected ErrNoRecording, got %v", err)
	}

	rec, err := mic.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mic.Open(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for second recording, got %v", err)
	}

	mic.Write([]byte("abc"))
	mic.Write([]byte("de"))
	if _, err := mic.Write([]byte("fghij")); err == nil {
		t.Error("Expected limit error")
	}

	audio, err := rec.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "abcde" {
		t.Errorf("Expected abcde, got %q", audio)
	}
	if mic.Active() {
		t.Error("Expected no active recording after stop")
	}
	rec.Close()

	if _, err := mic.Open(context.Background()); err != nil {
		t.Errorf("Expected microphone to be reusable, got %v", err)
	}
}

func TestStreamMicrophoneCloseDiscards(t *testing.T) {
	mic := NewStreamMicrophone(0)
	rec, _ := mic.Open(context.Background())
	mic.Write([]byte("abc"))
	rec.Close()

	if mic.Active() {
		t.Error("Expected recording released")
	}
	if _, err := mic.Write([]byte("x")); !errors.Is(err, ErrNoRecording) {
		t.Errorf("Expected ErrNoRecording, got %v", err)
	}
}

func TestFileMicrophone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.webm")
	os.WriteFile(path, []byte("audio"), 0644)

	rec, err := FileMicrophone{Path: path}.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	audio, err := rec.Stop()
	if err != nil || string(audio) != "audio" {
		t.Errorf("Unexpected recording %q %v", audio, err)
	}

	if _, err := (FileMicrophone{Path: path + ".missing"}).Open(context.Background()); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestFileSpeakerWritesAudio(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s := &FileSpeaker{Dir: dir}

	pb, err := s.Play(context.Background(), []byte("mp3"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-pb.Done():
	default:
		t.Error("Expected playback without a player to be done")
	}

	path := pb.(*processPlayback).Path
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "mp3" {
		t.Errorf("Unexpected audio file %q %v", data, err)
	}

	pb2, _ := s.Play(context.Background(), []byte("mp3"))
	if pb2.(*processPlayback).Path == path {
		t.Error("Expected a distinct file per answer")
	}
}

func TestFileSpeakerStop(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("sleep not available")
	}
	s := &FileSpeaker{Dir: t.TempDir(), Command: []string{"/bin/sleep", "30"}}

	pb, err := s.Play(context.Background(), []byte("mp3"))
	if err != nil {
		t.Fatal(err)
	}
	pb.Stop()
	select {
	case <-pb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Player was not stopped")
	}
	if pb.(*processPlayback).Err() == nil {
		t.Error("Expected the killed player to report an error")
	}
}

func TestMemorySpeaker(t *testing.T) {
	s := NewMemorySpeaker(0)

	if _, _, ok := s.Latest(); ok {
		t.Error("Expected nothing to play")
	}

	first, _ := s.Play(context.Background(), []byte("one"))
	second, _ := s.Play(context.Background(), []byte("two"))

	audio, id, ok := s.Latest()
	if !ok || string(audio) != "two" {
		t.Fatalf("Expected latest audio, got %q %v", audio, ok)
	}
	if s.Finish(id - 1) {
		t.Error("Finishing an old playback must be refused")
	}
	if !s.Finish(id) {
		t.Error("Expected finish to succeed")
	}
	select {
	case <-second.Done():
	default:
		t.Error("Expected finished playback to be done")
	}
	if _, _, ok := s.Latest(); ok {
		t.Error("Expected no audio after finish")
	}

	first.Stop()
	first.Stop()
}

func TestMemorySpeakerHold(t *testing.T) {
	s := NewMemorySpeaker(10 * time.Millisecond)
	pb, _ := s.Play(context.Background(), []byte("one"))

	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Playback did not end after hold")
	}
}
