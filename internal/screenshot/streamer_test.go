package screenshot

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStreamer_PublishesOnlyChangedFrames(t *testing.T) {
	var mu sync.Mutex
	frames := []byte("aaaa")
	differ := New(CapturerFunc(func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		return frames, nil
	}))

	var published []Frame
	done := make(chan struct{}, 8)
	s := NewStreamer(differ, 5*time.Millisecond, nil, func(f Frame, _ string) {
		mu.Lock()
		published = append(published, f)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Baseline frame.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no baseline frame published")
	}

	// Identical captures are suppressed.
	select {
	case <-done:
		t.Fatal("unchanged frame was published")
	case <-time.After(50 * time.Millisecond):
	}

	// A changed page publishes again.
	mu.Lock()
	frames = []byte("bbbb")
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("changed frame never published")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 {
		t.Fatalf("published %d frames, want 2", len(published))
	}
	if published[0].Hash == published[1].Hash {
		t.Fatal("expected distinct hashes for distinct frames")
	}
	if published[0].Forced || published[1].Forced {
		t.Fatal("cadence frames must not be forced")
	}
}
