package replica

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakOnNotSupportedOperations(t *testing.T) {
	b := &BreakOnNotSupportedOperations{}
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, "closed", b.State().String())

	b.Handle(nil)
	b.Handle(errors.New("syntax error"))
	assert.Equal(t, BreakerClosed, b.State(), "ordinary errors leave the breaker closed")

	b.Handle(fmt.Errorf("wrapped: %w", &UnsupportedOperationError{Op: "listen"}))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, "open", b.State().String())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakOnNotSupportedOperations_Concurrent(t *testing.T) {
	b := &BreakOnNotSupportedOperations{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Handle(ErrUnsupported)
			_ = b.State()
		}()
	}
	wg.Wait()
	assert.Equal(t, BreakerOpen, b.State())
}
