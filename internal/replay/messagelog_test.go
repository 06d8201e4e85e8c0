package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	fs.slept = append(fs.slept, d)
	return nil
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0, 7b7d
10, 5b 5d
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Message != nil {
		t.Fatalf("expected START marker (nil message), got %v", recs[0].Message)
	}
	if recs[1].At != 0 {
		t.Fatalf("expected At=0, got %s", recs[1].At)
	}
	if string(recs[1].Message) != "{}" {
		t.Fatalf("unexpected message 1: %q", recs[1].Message)
	}
	if recs[2].At != 10*time.Nanosecond {
		t.Fatalf("expected At=10ns, got %s", recs[2].At)
	}
	if string(recs[2].Message) != "[]" {
		t.Fatalf("unexpected message 2: %q", recs[2].Message)
	}
}

func TestReaderReadAll_InvalidLines(t *testing.T) {
	for _, in := range []string{
		"not-a-valid-line\n",
		"-1,7b7d\n",
		"x,7b7d\n",
		"0,zz\n",
		"0,\n",
	} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("ReadAll(%q) expected error", in)
		}
	}
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	msgs := make([]string, 0, 3)
	fs := &fakeSleeper{}

	recs := []Record{
		{At: 1 * time.Second, Message: nil},
		{At: 1 * time.Second, Message: []byte("a")},
		{At: 1*time.Second + 100*time.Nanosecond, Message: []byte("b")},
		{At: 2 * time.Second, Message: nil},
		{At: 2*time.Second + 50*time.Nanosecond, Message: []byte("c")},
	}

	err := Play(context.Background(), recs, 1.0, false, fs, func(msg []byte) error {
		msgs = append(msgs, string(msg))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}

	if !reflect.DeepEqual(msgs, []string{"a", "b", "c"}) {
		t.Fatalf("messages=%v", msgs)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Message: []byte("1")},
		{At: 100 * time.Nanosecond, Message: []byte("2")},
	}

	err := Play(context.Background(), recs, 2.0, false, fs, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_InvalidInput(t *testing.T) {
	ok := func([]byte) error { return nil }
	recs := []Record{{At: 0, Message: []byte("1")}}
	if err := Play(context.Background(), recs, 0, false, nil, ok); err == nil {
		t.Fatalf("expected error for zero speed")
	}
	if err := Play(context.Background(), recs, 1, false, nil, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
	if err := Play(context.Background(), []Record{{}}, 1, true, nil, ok); err == nil {
		t.Fatalf("expected error for markers only")
	}
}

func TestPlay_LoopStopsOnCallbackError(t *testing.T) {
	stop := errors.New("enough")
	n := 0
	recs := []Record{{At: 0, Message: []byte("1")}, {At: 0, Message: []byte("2")}}
	err := Play(context.Background(), recs, 1, true, &fakeSleeper{}, func([]byte) error {
		n++
		if n == 5 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || n != 5 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestPlay_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	recs := []Record{
		{At: 0, Message: []byte("1")},
		{At: time.Hour, Message: []byte("2")},
	}
	done := make(chan error, 1)
	go func() {
		done <- Play(ctx, recs, 1, false, nil, func([]byte) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Play did not return after cancel")
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "out.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	w.start = time.Unix(0, 0)

	if err := w.WriteMessage(time.Unix(0, 20), []byte("{}")); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	if w.Count() != 1 {
		t.Fatalf("count=%d want 1", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WriteMessage(time.Unix(0, 30), []byte("{}")); err == nil {
		t.Fatalf("expected error after Close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != "START\n20,7b7d\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestRecordReplay_RoundTripInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}

	// Same timestamp for every message so replay has zero waits.
	now := time.Now()
	in := []string{
		`{"MessageType":"PositionReport","Message":{"PositionReport":{"UserID":1,"Latitude":1.5,"Longitude":103.5}}}`,
		"line one\nline two",
		`{"MessageType":"ShipStaticData"}`,
	}
	for _, m := range in {
		if err := w.WriteMessage(now, []byte(m)); err != nil {
			_ = w.Close()
			t.Fatalf("WriteMessage() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var out []string
	fs := &fakeSleeper{}
	err = Play(context.Background(), recs, 1.0, false, fs, func(msg []byte) error {
		out = append(out, string(msg))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", fs.slept)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("messages mismatch\n got: %q\nwant: %q", out, in)
	}
}
