package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestConfigWithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero",
			in:   Config{DSN: "postgres://x"},
			want: Config{DSN: "postgres://x", MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute, ConnMaxIdleTime: 5 * time.Minute},
		},
		{
			name: "explicit",
			in:   Config{MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute, ConnMaxIdleTime: time.Second},
			want: Config{MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute, ConnMaxIdleTime: time.Second},
		},
		{
			name: "negative",
			in:   Config{MaxOpenConns: -1, MaxIdleConns: -1},
			want: Config{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute, ConnMaxIdleTime: 5 * time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(Config{}, nil)
	if err == nil || !strings.Contains(err.Error(), "DSN is required") {
		t.Fatalf("Open without DSN: err = %v", err)
	}
}
