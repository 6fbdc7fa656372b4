package offsite

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vm-backup/src/pipeline"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

type recordingSink struct {
	pushed    map[string]string
	pushErr   error
	expiredAt []time.Time
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Push(_ context.Context, r io.Reader, description string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.pushErr != nil {
		return s.pushErr
	}
	if s.pushed == nil {
		s.pushed = map[string]string{}
	}
	s.pushed[description] = string(b)
	return nil
}

func (s *recordingSink) RemoveExpired(_ context.Context, olderThan time.Time) error {
	s.expiredAt = append(s.expiredAt, olderThan)
	return nil
}

func newTransfer(fake *pipeline.Fake, sink Sink) *Transfer {
	return &Transfer{
		Encryptor: &Encryptor{Runner: fake, Passphrase: "k"},
		Sink:      sink,
		Expiry:    30 * 24 * time.Hour,
		Now:       func() time.Time { return time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC) },
	}
}

func emits(s string) func(p *pipeline.Pipeline) error {
	return func(p *pipeline.Pipeline) error {
		_, err := io.WriteString(p.Stdout, s)
		return err
	}
}

func TestTransferRunPushesThenExpires(t *testing.T) {
	fake := pipeline.NewFake().On("gpg", emits("0123456789"))
	sink := &recordingSink{}
	tr := newTransfer(fake, sink)
	var progress bytes.Buffer
	tr.Progress = &progress

	n, err := tr.Run(context.Background(), "/backups/2026-10-18", Description("vm-backup", "/backups/2026-10-18"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 bytes sent, got %d", n)
	}
	if sink.pushed["vm-backup-2026-10-18"] != "0123456789" {
		t.Fatalf("unexpected push %v", sink.pushed)
	}
	if len(sink.expiredAt) != 1 || !sink.expiredAt[0].Equal(time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry cutoff %v", sink.expiredAt)
	}
	if !strings.Contains(progress.String(), "[upload] 10 B") {
		t.Fatalf("missing progress output %q", progress.String())
	}
}

func TestTransferFailedPushKeepsRemoteBackups(t *testing.T) {
	fake := pipeline.NewFake().On("gpg", emits("x"))
	sink := &recordingSink{pushErr: errors.New("503 slow down")}
	_, err := newTransfer(fake, sink).Run(context.Background(), "/b/2026-10-18", "d")
	if !errors.Is(err, ErrRemoteTransfer) {
		t.Fatalf("expected ErrRemoteTransfer, got %v", err)
	}
	if len(sink.expiredAt) != 0 {
		t.Fatal("expiry must not run after a failed push")
	}
}

func TestTransferEncryptionFailureKeepsRemoteBackups(t *testing.T) {
	fake := pipeline.NewFake().Fail("gpg", 2)
	sink := &recordingSink{}
	_, err := newTransfer(fake, sink).Run(context.Background(), "/b/2026-10-18", "d")
	if !errors.Is(err, ErrEncryptionPipeline) {
		t.Fatalf("expected ErrEncryptionPipeline, got %v", err)
	}
	if len(sink.expiredAt) != 0 {
		t.Fatal("expiry must not run after a failed push")
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "offsite")
	s := &FileSink{Dir: dir}
	if err := s.Push(context.Background(), stringsReader("cipher"), "vm-backup-2026-10-18"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "vm-backup-2026-10-18.gpg"))
	if err != nil || string(b) != "cipher" {
		t.Fatalf("unexpected file %q %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "vm-backup-2026-10-18.gpg.partial")); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
	if err := s.RemoveExpired(context.Background(), time.Now()); err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broke") }

func TestFileSinkRemovesPartialOnError(t *testing.T) {
	dir := t.TempDir()
	s := &FileSink{Dir: dir}
	if err := s.Push(context.Background(), failingReader{}, "d"); err == nil {
		t.Fatal("expected an error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected an empty directory, got %v", entries)
	}
}
