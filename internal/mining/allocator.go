package mining

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// extranonceCounter is the slice of the redis client the allocator needs.
type extranonceCounter interface {
	NextExtranonce(ctx context.Context) (uint64, error)
}

// Allocator issues pool-wide-unique extranonce1 values from a shared
// monotonic counter, so every pool instance hands out disjoint nonce
// spaces.
type Allocator struct {
	counter extranonceCounter
	size    int
	en2Size int
	logger  *log.Logger
}

// NewAllocator creates an allocator producing size-byte extranonce1 values
// and advertising en2Size-byte extranonce2 to miners.
func NewAllocator(counter extranonceCounter, size, en2Size int, logger *log.Logger) (*Allocator, error) {
	if size < 1 || size > 8 {
		return nil, fmt.Errorf("extranonce1 size must be 1..8 bytes, got %d", size)
	}
	if en2Size < 1 || en2Size > 8 {
		return nil, fmt.Errorf("extranonce2 size must be 1..8 bytes, got %d", en2Size)
	}
	return &Allocator{
		counter: counter,
		size:    size,
		en2Size: en2Size,
		logger:  logger.WithComponent("extranonce"),
	}, nil
}

// Allocate returns the next extranonce1 as fixed-width hex. Values are
// unique until the counter wraps its width, which at one subscription per
// second takes over a century for the default four bytes.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	n, err := a.counter.NextExtranonce(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "allocate_extranonce",
			"extranonce counter unavailable")
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	extranonce1 := hex.EncodeToString(buf[8-a.size:])

	a.logger.Debug("extranonce1 allocated", "extranonce1", extranonce1)
	return extranonce1, nil
}

// Release returns an extranonce1 to the pool. Counter-issued values are
// never reused, so release is bookkeeping only.
func (a *Allocator) Release(_ context.Context, extranonce1 string) error {
	if len(extranonce1) != a.size*2 {
		return fmt.Errorf("extranonce1 %q has wrong width", extranonce1)
	}
	a.logger.Debug("extranonce1 released", "extranonce1", extranonce1)
	return nil
}

// Extranonce2Size returns the extranonce2 byte width miners must use.
func (a *Allocator) Extranonce2Size() int {
	return a.en2Size
}

// Extranonce1Size returns the extranonce1 byte width.
func (a *Allocator) Extranonce1Size() int {
	return a.size
}
