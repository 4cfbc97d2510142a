package keydir

import "testing"

func TestFstatsTable_CreateIfMissing(t *testing.T) {
	tests := []struct {
		name            string
		createIfMissing bool
		wantCreated     bool
	}{
		{name: "creates when allowed", createIfMissing: true, wantCreated: true},
		{name: "refuses when not allowed", createIfMissing: false, wantCreated: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFstatsTable()
			ok := ft.UpdateFstats(1, 1000, 0, 1, 1, 10, 10, tt.createIfMissing)
			if ok != tt.wantCreated {
				t.Fatalf("UpdateFstats() = %v, want %v", ok, tt.wantCreated)
			}
			_, found := ft.Get(1)
			if found != tt.wantCreated {
				t.Errorf("Get() found = %v, want %v", found, tt.wantCreated)
			}
		})
	}
}

func TestFstatsTable_AccumulatesDeltas(t *testing.T) {
	ft := newFstatsTable()

	ft.UpdateFstats(5, 100, 0, 3, 3, 30, 30, true)
	ft.UpdateFstats(5, 200, 0, 2, 1, 20, 10, true)

	fs, ok := ft.Get(5)
	if !ok {
		t.Fatalf("Get() found = false after two updates")
	}
	if fs.LiveKeys != 5 || fs.TotalKeys != 4 {
		t.Errorf("LiveKeys/TotalKeys = %d/%d, want 5/4", fs.LiveKeys, fs.TotalKeys)
	}
	if fs.LiveBytes != 50 || fs.TotalBytes != 40 {
		t.Errorf("LiveBytes/TotalBytes = %d/%d, want 50/40", fs.LiveBytes, fs.TotalBytes)
	}
	if fs.OldestTstamp != 100 || fs.NewestTstamp != 200 {
		t.Errorf("OldestTstamp/NewestTstamp = %d/%d, want 100/200", fs.OldestTstamp, fs.NewestTstamp)
	}
}

func TestFstatsTable_ExpirationEpochOnlyMovesDown(t *testing.T) {
	ft := newFstatsTable()
	ft.UpdateFstats(3, 100, 50, 1, 1, 10, 10, true)

	fs, ok := ft.Get(3)
	if !ok {
		t.Fatalf("Get() found = false after first update")
	}
	if fs.ExpirationEpoch != 50 {
		t.Fatalf("ExpirationEpoch = %d, want 50", fs.ExpirationEpoch)
	}

	// A later, larger epoch must never raise a lower epoch already on file.
	ft.UpdateFstats(3, 200, 80, 1, 1, 10, 10, true)
	fs, _ = ft.Get(3)
	if fs.ExpirationEpoch != 50 {
		t.Errorf("ExpirationEpoch = %d after larger update, want unchanged 50", fs.ExpirationEpoch)
	}

	// A smaller epoch lowers the floor further.
	ft.UpdateFstats(3, 300, 20, 1, 1, 10, 10, true)
	fs, _ = ft.Get(3)
	if fs.ExpirationEpoch != 20 {
		t.Errorf("ExpirationEpoch = %d after smaller update, want 20", fs.ExpirationEpoch)
	}

	// Zero means "no expiration epoch reported" and must not clobber the floor.
	ft.UpdateFstats(3, 400, 0, 1, 1, 10, 10, true)
	fs, _ = ft.Get(3)
	if fs.ExpirationEpoch != 20 {
		t.Errorf("ExpirationEpoch = %d after zero update, want unchanged 20", fs.ExpirationEpoch)
	}
}

func TestFstatsTable_NegativeDeltaFloorsAtZero(t *testing.T) {
	ft := newFstatsTable()
	ft.UpdateFstats(9, 1, 0, 1, 1, 5, 5, true)
	ft.UpdateFstats(9, 2, 0, -5, 0, -100, 0, true)

	fs, ok := ft.Get(9)
	if !ok {
		t.Fatalf("Get() found = false")
	}
	if fs.LiveKeys != 0 {
		t.Errorf("LiveKeys = %d, want 0 (floored)", fs.LiveKeys)
	}
	if fs.LiveBytes != 0 {
		t.Errorf("LiveBytes = %d, want 0 (floored)", fs.LiveBytes)
	}
}
