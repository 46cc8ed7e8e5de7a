// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package pageexchange

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hefsoftware/sharedimageipc/internal/regionheader"
	"github.com/hefsoftware/sharedimageipc/transport"
)

var nameCounter int64

// uniqueName avoids collisions between test runs sharing one /dev/shm.
func uniqueName(t *testing.T) string {
	n := atomic.AddInt64(&nameCounter, 1)
	return fmt.Sprintf("pxtest%d_%d", time.Now().UnixNano()%1_000_000, n)
}

func smallInfo(numPages, pageSize uint32) regionheader.LayoutInfo {
	return regionheader.LayoutInfo{
		HeaderSize:     16,
		PageHeaderSize: 12,
		PageSize:       pageSize,
		NumPages:       numPages,
	}
}

func initPages(t *testing.T, h *Handle, numProducer, numConsumer uint32) {
	t.Helper()
	var i uint32
	for ; i < numProducer; i++ {
		if err := h.InitPageProducer(i); err != nil {
			t.Fatalf("InitPageProducer(%d): %v", i, err)
		}
	}
	for ; i < numProducer+numConsumer; i++ {
		if err := h.InitPageConsumer(i); err != nil {
			t.Fatalf("InitPageConsumer(%d): %v", i, err)
		}
	}
}

func TestCreateInitializationHandshake(t *testing.T) {
	name := uniqueName(t)
	info := smallInfo(2, 64)

	producer, err := Create(name, info, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()
	if !producer.NeedInitialize() {
		t.Fatal("producer should be the initializer")
	}
	if producer.IsInitialized() {
		t.Fatal("should not be initialized before EndInitialization")
	}

	consumer, err := Create(name, info, 0, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()
	if consumer.NeedInitialize() {
		t.Fatal("consumer attached, should not be the initializer")
	}
	if consumer.IsInitialized() {
		t.Fatal("consumer should not observe Initialized yet")
	}

	initPages(t, producer, 1, 1)

	var wg sync.WaitGroup
	var woken bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, err := consumer.WaitNotify(5000)
		if err != nil {
			t.Errorf("consumer WaitNotify: %v", err)
		}
		woken = ok
	}()

	time.Sleep(20 * time.Millisecond) // give the waiter a head start
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}
	wg.Wait()

	if !woken {
		t.Fatal("consumer's wait should have been woken by EndInitialization's notify")
	}
	if !consumer.IsInitialized() {
		t.Fatal("consumer should observe Initialized after waking")
	}

	// Idempotence (P6): a second call is a no-op, not an error.
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("second EndInitialization should be a no-op: %v", err)
	}
}

func TestRoundTripAndDropOldFrames(t *testing.T) {
	name := uniqueName(t)
	info := smallInfo(3, 256)

	producer, err := Create(name, info, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()
	initPages(t, producer, 3, 0)
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}

	consumer, err := Create(name, info, 0, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()
	if !consumer.IsInitialized() {
		t.Fatal("producer already initialized before consumer attached")
	}

	payloads := [][]byte{[]byte("frame A"), []byte("frame B"), []byte("frame C")}
	var sent []uint32
	for _, p := range payloads {
		i := producer.GetFreePage(0)
		if i < 0 {
			t.Fatalf("no free page for payload %q", p)
		}
		data, err := producer.PageData(uint32(i))
		if err != nil {
			t.Fatalf("PageData(%d): %v", i, err)
		}
		copy(data, p)
		if err := producer.SendData(uint32(i)); err != nil {
			t.Fatalf("SendData(%d): %v", i, err)
		}
		sent = append(sent, uint32(i))
	}

	// All three frames are now consumer-owned data pages; a single
	// receive-style scan should only surface the most recent (P4),
	// mirroring imageframe's drop-old-frames scan loop.
	last := int32(-1)
	for {
		p := consumer.GetDataPage(0)
		if p < 0 {
			break
		}
		last = p
		if uint32(p) != sent[len(sent)-1] {
			if err := consumer.FreePage(uint32(p)); err != nil {
				t.Fatalf("FreePage(%d): %v", p, err)
			}
			if err := consumer.SendFree(uint32(p)); err != nil {
				t.Fatalf("SendFree(%d): %v", p, err)
			}
		} else {
			break
		}
	}
	if last < 0 {
		t.Fatal("expected at least one data page")
	}

	data, err := consumer.PageData(uint32(last))
	if err != nil {
		t.Fatalf("PageData(%d): %v", last, err)
	}
	if !bytes.HasPrefix(data, payloads[len(payloads)-1]) {
		t.Fatalf("round-trip payload mismatch: got %q", data[:len(payloads[len(payloads)-1])])
	}
}

func TestSetPageNIdempotentAndOwnershipEnforced(t *testing.T) {
	name := uniqueName(t)
	info := smallInfo(2, 32)

	producer, err := Create(name, info, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()
	initPages(t, producer, 1, 1)
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}

	if err := producer.SetPageN(0, 1); err != nil {
		t.Fatalf("SetPageN to its current value should be a no-op: %v", err)
	}

	// Page 1 was assigned to the consumer; producer must not mutate it.
	err = producer.SendData(1)
	if !errorIsKind(err, NotOwned) {
		t.Fatalf("expected NotOwned mutating a consumer-owned page, got %v", err)
	}
}

func TestGetFreePageBoundaries(t *testing.T) {
	name := uniqueName(t)
	info := smallInfo(2, 32)

	producer, err := Create(name, info, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()
	initPages(t, producer, 2, 0)
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}

	if p := producer.GetFreePage(int32(info.NumPages)); p != -1 {
		t.Fatalf("startIndex == numPages should yield -1, got %d", p)
	}
	if p := producer.GetFreePage(-1); p != -1 {
		t.Fatalf("startIndex < 0 should yield -1, got %d", p)
	}
}

func TestAttacherAdoptsStoredInfo(t *testing.T) {
	name := uniqueName(t)
	trueInfo := smallInfo(4, 1024)

	producer, err := Create(name, trueInfo, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()
	initPages(t, producer, 4, 0)
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}

	// The consumer guesses a much smaller layout; the two-phase attach in
	// transport corrects the mapped size, and pageexchange discards the
	// guess in favor of what the region actually advertises.
	guess := smallInfo(1, 16)
	consumer, err := Create(name, guess, 0, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()

	if consumer.Info() != producer.Info() {
		t.Fatalf("consumer info %+v should equal producer info %+v", consumer.Info(), producer.Info())
	}
}

func TestNonDefaultAlignment(t *testing.T) {
	name := uniqueName(t)
	info := regionheader.LayoutInfo{
		HeaderSize:     8,
		PageHeaderSize: 12,
		PageAlign:      64,
		PageSize:       256,
		NumPages:       1,
	}

	producer, err := Create(name, info, 0, transport.RoleProducer, nil)
	if err != nil {
		t.Fatalf("producer Create: %v", err)
	}
	defer producer.Close()

	layout := producer.layout
	if layout.DataOffset%64 != 0 {
		t.Fatalf("dataOffset %d not aligned to 64", layout.DataOffset)
	}

	initPages(t, producer, 1, 0)
	if err := producer.EndInitialization(); err != nil {
		t.Fatalf("EndInitialization: %v", err)
	}

	data, err := producer.PageData(0)
	if err != nil {
		t.Fatalf("PageData: %v", err)
	}
	copy(data, []byte("aligned payload"))

	consumer, err := Create(name, info, 0, transport.RoleConsumer, nil)
	if err != nil {
		t.Fatalf("consumer Create: %v", err)
	}
	defer consumer.Close()

	cdata, err := consumer.PageData(0)
	if err != nil {
		t.Fatalf("consumer PageData: %v", err)
	}
	if !bytes.HasPrefix(cdata, []byte("aligned payload")) {
		t.Fatalf("payload did not round-trip through a non-default-aligned page: %q", cdata[:15])
	}
}

func errorIsKind(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == kind
}
