package mockdev

import "testing"

func TestDeviceMemoryAllocRoundTrip(t *testing.T) {
	m := NewDeviceMemory()
	addr := m.Alloc(128)
	m.Write(addr, []byte("hello world"))
	got := m.Read(addr, len("hello world"))
	if string(got) != "hello world" {
		t.Errorf("Read() = %q, want %q", got, "hello world")
	}
}

func TestDeviceMemoryDistinctAllocationsDoNotAlias(t *testing.T) {
	m := NewDeviceMemory()
	a := m.Alloc(64)
	b := m.Alloc(64)
	if a == b {
		t.Fatalf("two allocations got the same address %x", a)
	}
	m.Write(a, []byte{0xAA})
	m.Write(b, []byte{0xBB})
	if got := m.Read(a, 1)[0]; got != 0xAA {
		t.Errorf("region a corrupted: got %x", got)
	}
	if got := m.Read(b, 1)[0]; got != 0xBB {
		t.Errorf("region b corrupted: got %x", got)
	}
}

func TestDeviceMemoryFreeDropsRegion(t *testing.T) {
	m := NewDeviceMemory()
	addr := m.Alloc(32)
	m.Free(addr)
	if _, _, ok := m.find(addr); ok {
		t.Error("find() succeeded on a freed region")
	}
}

func TestDeviceMemoryShardedWritesAreConcurrencySafe(t *testing.T) {
	m := NewDeviceMemory()
	addr := m.Alloc(4 * shardSize)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			m.Write(addr+uint64(i*shardSize/8), []byte{byte(i)})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
