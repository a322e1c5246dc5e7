package stats

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

func TestStatistic_RealtimeWindow(t *testing.T) {
	s := NewStatistic("damage", "", "", true)
	s.Add(100, false, false, 0, ms(0))
	s.Add(100, false, false, 0, ms(400))
	s.Add(100, false, false, 0, ms(900))

	tests := []struct {
		at   int
		want int64
	}{
		{950, 300},
		{1000, 300},
		{1350, 200},
		{1450, 100},
		{2000, 0},
	}
	for _, tt := range tests {
		s.UpdateRealtime(ms(tt.at))
		if got := s.Realtime(); got != tt.want {
			t.Errorf("realtime at %dms = %d, want %d", tt.at, got, tt.want)
		}
	}
	if got := s.RealtimeMax(); got != 300 {
		t.Errorf("realtime max = %d, want 300", got)
	}
	if got := s.Stats.Total; got != 300 {
		t.Errorf("total = %d, want 300", got)
	}
}

func TestStatistic_Classification(t *testing.T) {
	s := NewStatistic("damage", "", "", true)
	s.Add(10, false, false, 1, ms(0))
	s.Add(20, true, false, 2, ms(1))
	s.Add(30, false, true, 3, ms(2))
	s.Add(40, true, true, 4, ms(3))

	want := Breakdown{Normal: 10, Critical: 20, Lucky: 30, CritLucky: 40, HpLessen: 10, Total: 100}
	if s.Stats != want {
		t.Fatalf("stats = %+v, want %+v", s.Stats, want)
	}
	wantCount := Counts{Normal: 1, Critical: 1, Lucky: 1, CritLucky: 1, Total: 4}
	if s.Count != wantCount {
		t.Fatalf("count = %+v, want %+v", s.Count, wantCount)
	}
}

func TestStatistic_PerSecond(t *testing.T) {
	s := NewStatistic("damage", "", "", true)
	if got := s.PerSecond(); got != 0 {
		t.Fatalf("empty per second = %v", got)
	}
	s.Add(500, false, false, 0, ms(0))
	if got := s.PerSecond(); got != 0 {
		t.Fatalf("single hit per second = %v, want 0", got)
	}
	s.Add(500, false, false, 0, ms(2000))
	if got := s.PerSecond(); got != 500 {
		t.Fatalf("per second = %v, want 500", got)
	}
}

func TestStatistic_NoWindow(t *testing.T) {
	s := NewStatistic("damage", "fire", "Slash", false)
	s.Add(100, false, false, 0, ms(0))
	s.UpdateRealtime(ms(10))
	if s.Realtime() != 0 || len(s.window) != 0 {
		t.Fatalf("windowless statistic kept samples")
	}
}

func TestStatistic_Reset(t *testing.T) {
	s := NewStatistic("healing", "light", "Mend", true)
	s.Add(100, true, false, 0, ms(0))
	s.UpdateRealtime(ms(1))
	s.Reset()

	if s.Stats.Total != 0 || s.Count.Total != 0 || s.RealtimeMax() != 0 {
		t.Fatalf("reset left values: %+v", s)
	}
	if s.Type != "healing" || s.Element != "light" || s.Name != "Mend" {
		t.Fatalf("reset dropped labels: %+v", s)
	}
}
