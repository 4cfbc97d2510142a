package keydir

import (
	"fmt"
	"sync"
	"testing"
)

func newTestKeydir(t *testing.T, numPages, initialSwapPages uint32) *Keydir {
	t.Helper()
	kd, err := Init(t.TempDir(), numPages, initialSwapPages)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		if err := kd.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return kd
}

func TestKeydir_PutThenGet(t *testing.T) {
	tests := []struct {
		name  string
		key   []byte
		entry Entry
	}{
		{name: "short key", key: []byte("a"), entry: Entry{FileID: 1, Offset: 0, TotalSize: 10, Timestamp: 100}},
		{name: "longer key", key: []byte("bitcask-keydir-entry"), entry: Entry{FileID: 2, Offset: 4096, TotalSize: 64, Timestamp: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kd := newTestKeydir(t, 4, 0)

			status, err := kd.Put(tt.key, tt.entry, 0, 0)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if status != PutOK {
				t.Fatalf("Put() status = %v, want PutOK", status)
			}

			got, ok := kd.Get(tt.key, ^uint64(0))
			if !ok {
				t.Fatalf("Get() found = false, want true")
			}
			if got.FileID != tt.entry.FileID || got.Offset != tt.entry.Offset || got.TotalSize != tt.entry.TotalSize {
				t.Errorf("Get() = %+v, want FileID/Offset/TotalSize matching %+v", got, tt.entry)
			}
		})
	}
}

func TestKeydir_GetMissingKey(t *testing.T) {
	kd := newTestKeydir(t, 4, 0)

	if _, ok := kd.Get([]byte("nope"), ^uint64(0)); ok {
		t.Errorf("Get() of missing key found = true, want false")
	}
}

func TestKeydir_PutConditionalModified(t *testing.T) {
	kd := newTestKeydir(t, 4, 0)
	key := []byte("cas-key")

	if _, err := kd.Put(key, Entry{FileID: 1, Offset: 0, TotalSize: 5}, 0, 0); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}

	status, err := kd.Put(key, Entry{FileID: 2, Offset: 10, TotalSize: 5}, 99, 99)
	if err != nil {
		t.Fatalf("conditional Put() error = %v", err)
	}
	if status != PutModified {
		t.Errorf("conditional Put() status = %v, want PutModified", status)
	}

	got, ok := kd.Get(key, ^uint64(0))
	if !ok {
		t.Fatalf("Get() after PutModified found = false, want true")
	}
	if got.FileID != 1 || got.Offset != 0 {
		t.Errorf("Get() after rejected Put = %+v, want unchanged FileID=1 Offset=0", got)
	}
}

func TestKeydir_UpdateAndRemove(t *testing.T) {
	kd := newTestKeydir(t, 4, 0)
	key := []byte("update-remove-key")

	if _, err := kd.Put(key, Entry{FileID: 1, Offset: 0, TotalSize: 5}, 0, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	status, err := kd.Put(key, Entry{FileID: 1, Offset: 50, TotalSize: 5}, 1, 0)
	if err != nil {
		t.Fatalf("update Put() error = %v", err)
	}
	if status != PutOK {
		t.Fatalf("update Put() status = %v, want PutOK", status)
	}

	got, ok := kd.Get(key, ^uint64(0))
	if !ok || got.Offset != 50 {
		t.Fatalf("Get() after update = %+v, ok=%v, want Offset=50", got, ok)
	}

	status, err = kd.Remove(key, 1, 50)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if status != PutOK {
		t.Fatalf("Remove() status = %v, want PutOK", status)
	}

	if _, ok := kd.Get(key, ^uint64(0)); ok {
		t.Errorf("Get() after Remove found = true, want false (tombstoned)")
	}
}

func TestKeydir_SnapshotForcesVersionAppend(t *testing.T) {
	kd := newTestKeydir(t, 4, 0)
	key := []byte("snapshot-key")

	if _, err := kd.Put(key, Entry{FileID: 1, Offset: 0, TotalSize: 5}, 0, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	oldEntry, ok := kd.Get(key, ^uint64(0))
	if !ok {
		t.Fatalf("Get() before pin found = false")
	}

	snapEpoch := kd.PinSnapshot()
	defer kd.ReleaseSnapshot()

	if _, err := kd.Put(key, Entry{FileID: 1, Offset: 99, TotalSize: 5}, oldEntry.FileID, oldEntry.Offset); err != nil {
		t.Fatalf("Put() under snapshot error = %v", err)
	}

	snapGot, ok := kd.Get(key, snapEpoch)
	if !ok {
		t.Fatalf("Get() at pinned epoch found = false")
	}
	if snapGot.Offset != oldEntry.Offset {
		t.Errorf("Get() at pinned epoch = %+v, want original Offset=%d", snapGot, oldEntry.Offset)
	}

	latest, ok := kd.Get(key, ^uint64(0))
	if !ok {
		t.Fatalf("Get() at latest epoch found = false")
	}
	if latest.Offset != 99 {
		t.Errorf("Get() at latest epoch = %+v, want Offset=99", latest)
	}
}

func TestKeydir_ManyKeysSameBucket(t *testing.T) {
	kd := newTestKeydir(t, 1, 0) // a single bucket forces every key to collide

	const n = 50
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if _, err := kd.Put(key, Entry{FileID: uint32(i), Offset: uint64(i), TotalSize: 8}, 0, 0); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		got, ok := kd.Get(key, ^uint64(0))
		if !ok {
			t.Fatalf("Get(%s) found = false", key)
		}
		if got.FileID != uint32(i) || got.Offset != uint64(i) {
			t.Errorf("Get(%s) = %+v, want FileID=%d Offset=%d", key, got, i, i)
		}
	}
}

func TestKeydir_ConcurrentPutGet(t *testing.T) {
	kd := newTestKeydir(t, 8, 2)

	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := []byte(fmt.Sprintf("g%d-k%d", g, i%10))

				for attempt := 0; attempt < 10; attempt++ {
					cur, found := kd.Get(key, ^uint64(0))
					var oldFileID uint32
					var oldOffset uint64
					if found {
						oldFileID, oldOffset = cur.FileID, cur.Offset
					}

					status, err := kd.Put(key, Entry{
						FileID:    uint32(g),
						Offset:    uint64(i),
						TotalSize: 8,
					}, oldFileID, oldOffset)
					if err != nil {
						t.Errorf("Put(%s) error = %v", key, err)
						return
					}
					if status == PutOK {
						break
					}
				}
			}
		}(g)
	}
	wg.Wait()
}
