package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

func TestNewSlotStore_NilPool(t *testing.T) {
	if _, err := NewSlotStore(nil, nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: "23505"},
			want: entity.ErrInvariantViolation,
		},
		{
			name: "check violation",
			err:  fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23514"}),
			want: entity.ErrInvariantViolation,
		},
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: entity.ErrTransientIO,
		},
		{
			name: "connection error",
			err:  errors.New("connection refused"),
			want: entity.ErrTransientIO,
		},
		{
			name: "empty code",
			err:  &pgconn.PgError{},
			want: entity.ErrTransientIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error must wrap the original")
			}
		})
	}
}
