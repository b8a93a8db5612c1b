package index

import (
	"errors"
	"testing"

	"github.com/aleksaelezovic/trigodb/pkg/record"
)

func TestCalcOrder(t *testing.T) {
	triples := record.NewFactory(24, 0)
	tests := []struct {
		blockSize int
		factory   record.Factory
		order     int
	}{
		{256, triples, 4},
		{8192, triples, 146},
		{8192, record.NewFactory(32, 0), 114},
		{8192, record.NewFactory(8, 8), 205},
	}
	for _, tt := range tests {
		if got := CalcOrder(tt.blockSize, tt.factory); got != tt.order {
			t.Errorf("CalcOrder(%d, %s) = %d, want %d", tt.blockSize, tt.factory, got, tt.order)
		}
	}
}

func TestBlockSizeForOrderRoundTrip(t *testing.T) {
	f := record.NewFactory(24, 0)
	for order := MinOrder; order < 200; order++ {
		bs := BlockSizeForOrder(order, f)
		if got := CalcOrder(bs, f); got != order {
			t.Fatalf("order %d: block size %d computes order %d", order, bs, got)
		}
	}
}

func TestResolve(t *testing.T) {
	f := record.NewFactory(24, 0)

	p, err := Params{BlockSize: 256}.Resolve(f)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if p.Order != 4 {
		t.Errorf("expected order 4, got %d", p.Order)
	}

	again, err := Params{BlockSize: 256, Order: p.Order}.Resolve(f)
	if err != nil {
		t.Fatalf("failed to resolve explicit order: %v", err)
	}
	if again != p {
		t.Errorf("explicit order resolved to %v, want %v", again, p)
	}

	if _, err := (Params{BlockSize: 256, Order: 5}).Resolve(f); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for disagreeing order, got %v", err)
	}
	if _, err := (Params{}).Resolve(f); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for empty params, got %v", err)
	}
	if _, err := (Params{BlockSize: 64}).Resolve(f); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for tiny block, got %v", err)
	}

	p, err = Params{Order: 3}.Resolve(f)
	if err != nil {
		t.Fatalf("failed to resolve order-only params: %v", err)
	}
	if p.BlockSize != BlockSizeForOrder(3, f) {
		t.Errorf("expected derived block size %d, got %d", BlockSizeForOrder(3, f), p.BlockSize)
	}
}

func TestIOError(t *testing.T) {
	if IOError("read", nil) != nil {
		t.Error("expected nil for nil error")
	}
	base := errors.New("disk on fire")
	err := IOError("read", base)
	if !errors.Is(err, ErrIO) || !errors.Is(err, base) {
		t.Errorf("wrapped error lost its kinds: %v", err)
	}
	if IOError("write", ErrClosed) != ErrClosed {
		t.Error("ErrClosed should pass through unchanged")
	}
}
