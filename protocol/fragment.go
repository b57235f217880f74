package protocol

import "fmt"

// MaxFragmentPayload returns the largest fragment payload that fits in one
// datagram of size mtu.
func MaxFragmentPayload(mtu int) int {
	return mtu - MaxHeaderSize
}

// MaxUnfragmentedPayload returns the largest payload that fits in one
// datagram of size mtu without a fragment sub-header.
func MaxUnfragmentedPayload(mtu int) int {
	return mtu - HeaderSize
}

// Split cuts message into pieces of at most maxPayload bytes. The pieces
// alias message. An empty message yields a single empty piece.
func Split(message []byte, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("protocol: fragment payload size %d: %w", maxPayload, ErrMessageTooLarge)
	}
	count := (len(message) + maxPayload - 1) / maxPayload
	if count == 0 {
		count = 1
	}
	if count > MaxFragments {
		return nil, fmt.Errorf("protocol: %d bytes need %d fragments: %w", len(message), count, ErrMessageTooLarge)
	}

	pieces := make([][]byte, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(message) {
			end = len(message)
		}
		pieces[i] = message[start:end]
	}
	return pieces, nil
}
