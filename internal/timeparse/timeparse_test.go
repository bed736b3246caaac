package timeparse

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var kyiv = time.FixedZone("EET", 2*3600)

func TestAbsolute(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 20, 18, 0, 0, 0, kyiv)
	tests := []struct {
		name     string
		in       string
		wantAt   time.Time
		wantText string
		wantErr  error
	}{
		{name: "clock later today", in: "20:30 вечеря", wantAt: time.Date(2026, 1, 20, 20, 30, 0, 0, kyiv), wantText: "вечеря"},
		{name: "clock passed rolls to tomorrow", in: "07:15 пробіжка зранку", wantAt: time.Date(2026, 1, 21, 7, 15, 0, 0, kyiv), wantText: "пробіжка зранку"},
		{name: "clock equal to now rolls", in: "18:00 now", wantAt: time.Date(2026, 1, 21, 18, 0, 0, 0, kyiv), wantText: "now"},
		{name: "full date", in: "2026-02-01 12:00 дедлайн", wantAt: time.Date(2026, 2, 1, 12, 0, 0, 0, kyiv), wantText: "дедлайн"},
		{name: "full date passed", in: "2026-01-19 12:00 вчора", wantErr: ErrPast},
		{name: "missing text", in: "20:30", wantErr: ErrEmpty},
		{name: "garbage", in: "tomorrow morning", wantErr: ErrFormat},
		{name: "bad clock", in: "25:61 x", wantErr: ErrFormat},
		{name: "single digit hour", in: "9:30 x", wantErr: ErrFormat},
		{name: "empty", in: "", wantErr: ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			at, text, err := Absolute(strings.Fields(tt.in), now, kyiv)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Absolute(%q) err = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Absolute(%q): %v", tt.in, err)
			}
			if !at.Equal(tt.wantAt) || text != tt.wantText {
				t.Fatalf("Absolute(%q) = %v %q, want %v %q", tt.in, at, text, tt.wantAt, tt.wantText)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "15", want: 15 * time.Minute},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "45s", want: 45 * time.Second},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "99999999999", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Delay(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Delay(%q) err = %v, want ErrFormat", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Delay(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestRelative(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 20, 18, 0, 0, 0, time.UTC)
	at, text, err := Relative(strings.Fields("15 пити воду"), now)
	if err != nil {
		t.Fatalf("Relative: %v", err)
	}
	if !at.Equal(now.Add(15*time.Minute)) || text != "пити воду" {
		t.Fatalf("Relative() = %v %q", at, text)
	}
	if _, _, err := Relative([]string{"15"}, now); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Relative(no text) err = %v, want ErrEmpty", err)
	}
}
