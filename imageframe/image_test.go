// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package imageframe

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hefsoftware/sharedimageipc/transport"
)

var nameCounter int64

func uniqueName(t *testing.T) string {
	t.Helper()
	n := atomic.AddInt64(&nameCounter, 1)
	return fmt.Sprintf("imtest%d_%d", time.Now().UnixNano()%1_000_000, n)
}

func smallConfig() Config {
	return Config{PixelCapacity: 640 * 480}
}

func TestHappyPathExchange(t *testing.T) {
	name := uniqueName(t)
	cfg := smallConfig()

	producer, err := Create(name, cfg, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()

	consumer, err := Create(name, cfg, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()

	data, available, ok := producer.OutBuffer()
	if !ok {
		t.Fatal("expected an available output buffer")
	}
	if available == 0 {
		t.Fatal("expected nonzero available pixels")
	}
	copy(data, []byte("Hello, world!"))
	if err := producer.Send(ImageSetting{Width: 640, Height: 480, BytesPerLine: 2560}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rdata, setting, ok := consumer.Receive()
	if !ok {
		t.Fatal("expected a received frame")
	}
	if !bytes.HasPrefix(rdata, []byte("Hello, world!")) {
		t.Fatalf("payload mismatch: got %q", rdata[:13])
	}
	want := ImageSetting{Width: 640, Height: 480, BytesPerLine: 2560}
	if setting != want {
		t.Fatalf("setting mismatch: got %+v want %+v", setting, want)
	}
}

func TestDropOlderFrames(t *testing.T) {
	name := uniqueName(t)
	cfg := Config{PixelCapacity: 64}

	producer, err := Create(name, cfg, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()

	consumer, err := Create(name, cfg, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()

	// The image channel is a two-page ring, so the producer can pipeline
	// at most two frames before the consumer returns one: send both
	// without the consumer receiving either, then confirm the consumer
	// only ever sees the most recent one.
	frames := []string{"A", "B"}
	for _, f := range frames {
		data, _, ok := producer.OutBuffer()
		if !ok {
			t.Fatalf("no output buffer available for frame %q", f)
		}
		copy(data, []byte(f))
		if err := producer.Send(ImageSetting{Width: 1, Height: 1, BytesPerLine: 4}); err != nil {
			t.Fatalf("Send(%q): %v", f, err)
		}
	}
	if _, _, ok := producer.OutBuffer(); ok {
		t.Fatal("expected no free page left: both pages sent and not yet returned")
	}

	rdata, _, ok := consumer.Receive()
	if !ok {
		t.Fatal("expected a received frame")
	}
	if got := string(rdata[:1]); got != "B" {
		t.Fatalf("expected the most recent frame %q, got %q", "B", got)
	}

	// Receive's "return one free page" step should have handed the
	// dropped A page straight back to the producer.
	if _, _, ok := producer.OutBuffer(); !ok {
		t.Fatal("expected a free page after the older frame was dropped")
	}
}

func TestPeerDisappearsMidFrame(t *testing.T) {
	name := uniqueName(t)
	cfg := Config{PixelCapacity: 16}

	producer, err := Create(name, cfg, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()

	consumer, err := Create(name, cfg, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	consumer.Close() // simulate the consumer vanishing

	data, _, ok := producer.OutBuffer()
	if !ok {
		t.Fatal("expected a free page")
	}
	copy(data, []byte("orphaned"))
	if err := producer.Send(ImageSetting{Width: 1, Height: 1, BytesPerLine: 4}); err != nil {
		t.Fatalf("Send should still succeed with no consumer attached: %v", err)
	}

	// Drain every remaining page until none are left producer-owned.
	for {
		if _, _, ok := producer.OutBuffer(); !ok {
			break
		}
		if err := producer.Send(ImageSetting{Width: 1, Height: 1, BytesPerLine: 4}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, _, ok := producer.OutBuffer(); ok {
		t.Fatal("expected no free page once all pages drifted to the consumer side")
	}
}

func TestPresetLookup(t *testing.T) {
	cfg, err := Preset("vga-argb32")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	if cfg.PixelCapacity != 640*480 {
		t.Fatalf("unexpected pixel capacity: %d", cfg.PixelCapacity)
	}
	if _, err := Preset("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown preset")
	}
}
