package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menta2k/hwassist/internal/utils"
)

// ErrNoRecording is returned when audio arrives with no open recording
var ErrNoRecording = errors.New("no open recording")

// FileMicrophone "records" the contents of an audio file, for the CLI
type FileMicrophone struct {
	Path string
}

func (m FileMicrophone) Open(ctx context.Context) (Recording, error) {
	if !utils.FileExists(m.Path) {
		return nil, fmt.Errorf("audio file not found: %s", m.Path)
	}
	return &fileRecording{path: m.Path}, nil
}

type fileRecording struct {
	path string
}

func (r *fileRecording) Stop() ([]byte, error) {
	return os.ReadFile(r.path)
}

func (r *fileRecording) Close() error { return nil }

// StreamMicrophone collects audio pushed in chunks, e.g. from HTTP uploads
type StreamMicrophone struct {
	mu      sync.Mutex
	current *streamRecording
	limit   int
}

// NewStreamMicrophone creates a microphone buffering up to limit bytes per
// recording; limit <= 0 means 25 MiB
func NewStreamMicrophone(limit int) *StreamMicrophone {
	if limit <= 0 {
		limit = 25 << 20
	}
	return &StreamMicrophone{limit: limit}
}

func (m *StreamMicrophone) Open(ctx context.Context) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, ErrBusy
	}
	m.current = &streamRecording{mic: m}
	return m.current, nil
}

// Write appends a chunk to the open recording
func (m *StreamMicrophone) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, ErrNoRecording
	}
	if m.current.buf.Len()+len(p) > m.limit {
		return 0, fmt.Errorf("recording exceeds %s", utils.FormatFileSize(int64(m.limit)))
	}
	return m.current.buf.Write(p)
}

// Active reports whether a recording is open
func (m *StreamMicrophone) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

type streamRecording struct {
	mic *StreamMicrophone
	buf bytes.Buffer
}

func (r *streamRecording) Stop() ([]byte, error) {
	r.mic.mu.Lock()
	defer r.mic.mu.Unlock()
	if r.mic.current == r {
		r.mic.current = nil
	}
	return append([]byte(nil), r.buf.Bytes()...), nil
}

func (r *streamRecording) Close() error {
	r.mic.mu.Lock()
	defer r.mic.mu.Unlock()
	if r.mic.current == r {
		r.mic.current = nil
	}
	r.buf.Reset()
	return nil
}

// FileSpeaker writes each answer to Dir and, when Command is set, plays it by
// running Command with the file path appended (e.g. ["mpg123", "-q"])
type FileSpeaker struct {
	Dir     string
	Command []string
	seq     atomic.Uint64
}

func (s *FileSpeaker) Play(ctx context.Context, audio []byte) (Playback, error) {
	if err := utils.EnsureDir(s.Dir); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("response-%d-%03d.mp3", time.Now().Unix(), s.seq.Add(1)))
	if err := os.WriteFile(path, audio, 0644); err != nil {
		return nil, fmt.Errorf("failed to write audio: %w", err)
	}

	pb := &processPlayback{Path: path, done: make(chan struct{})}
	if len(s.Command) == 0 {
		close(pb.done)
		return pb, nil
	}

	pctx, cancel := context.WithCancel(ctx)
	args := append(append([]string{}, s.Command[1:]...), path)
	cmd := exec.CommandContext(pctx, s.Command[0], args...)
	cmd.Stderr = &pb.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start player %s: %w", s.Command[0], err)
	}
	pb.cancel = cancel
	go func() {
		pb.err = cmd.Wait()
		cancel()
		close(pb.done)
	}()
	return pb, nil
}

// processPlayback is an audio file, possibly being played by an external process
type processPlayback struct {
	Path   string
	cancel context.CancelFunc
	done   chan struct{}
	stderr bytes.Buffer
	err    error
}

func (p *processPlayback) Done() <-chan struct{} { return p.done }

func (p *processPlayback) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Err returns the player's exit error and stderr once Done is closed
func (p *processPlayback) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.err != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", p.err, p.stderr.String())
	}
	return p.err
}

// MemorySpeaker holds the latest answer for a client to download and play.
// Playback ends when the client acknowledges it or after Hold.
type MemorySpeaker struct {
	Hold time.Duration

	mu      sync.Mutex
	seq     uint64
	current *memoryPlayback
}

// NewMemorySpeaker creates a speaker whose playbacks end on their own after hold
func NewMemorySpeaker(hold time.Duration) *MemorySpeaker {
	if hold <= 0 {
		hold = 2 * time.Minute
	}
	return &MemorySpeaker{Hold: hold}
}

func (s *MemorySpeaker) Play(ctx context.Context, audio []byte) (Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	pb := &memoryPlayback{id: s.seq, audio: append([]byte(nil), audio...), done: make(chan struct{})}
	s.current = pb
	go func(hold time.Duration) {
		select {
		case <-time.After(hold):
			pb.Stop()
		case <-pb.done:
		}
	}(s.Hold)
	return pb, nil
}

// Latest returns the audio of the active playback and its id
func (s *MemorySpeaker) Latest() ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.stopped() {
		return nil, 0, false
	}
	return s.current.audio, s.current.id, true
}

// Finish ends the playback with the given id; the client calls it when the
// audio has finished playing
func (s *MemorySpeaker) Finish(id uint64) bool {
	s.mu.Lock()
	pb := s.current
	s.mu.Unlock()
	if pb == nil || pb.id != id {
		return false
	}
	pb.Stop()
	return true
}

type memoryPlayback struct {
	id    uint64
	audio []byte
	done  chan struct{}
	once  sync.Once
}

func (p *memoryPlayback) Done() <-chan struct{} { return p.done }

func (p *memoryPlayback) Stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *memoryPlayback) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
