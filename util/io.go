package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Splice copies bytes between two connections in both directions until
// either side reaches EOF or ctx is cancelled.  Both connections are
// closed on return.  It reports the bytes moved a→b and b→a.
func Splice(ctx context.Context, a, b net.Conn) (aToB, bToA int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(b, a)
		aToB = n
		errCh <- err
		cancel()
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(a, b)
		bToA = n
		errCh <- err
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	close(errCh)

	for e := range errCh {
		if e != nil && !IsHarmless(e) {
			return aToB, bToA, e
		}
	}
	return aToB, bToA, nil
}

// IsHarmless returns true for errors that are expected when a
// connection is torn down from either side.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
